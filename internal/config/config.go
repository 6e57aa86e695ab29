package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-dev/collabsync/internal/errors"
	"github.com/vango-dev/collabsync/pkg/client"
	"github.com/vango-dev/collabsync/pkg/relay"
)

// FileNames are the config file names searched for, in order.
var FileNames = []string{"collabsync.yaml", "collabsync.yml", "collabsync.json"}

// DefaultURL is the relay URL clients dial when none is configured.
const DefaultURL = "ws://localhost:8080/ws"

// Config is the contents of a collabsync config file.
type Config struct {
	Client ClientConfig `json:"client" yaml:"client"`
	Relay  RelayConfig  `json:"relay" yaml:"relay"`
	Log    LogConfig    `json:"log" yaml:"log"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ClientConfig mirrors client.Config plus the connection identity.
type ClientConfig struct {
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	UserID      string `json:"userId,omitempty" yaml:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Role        string `json:"role,omitempty" yaml:"role,omitempty"`

	ReconnectBaseDelay    Duration `json:"reconnectBaseDelay" yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay     Duration `json:"reconnectMaxDelay" yaml:"reconnectMaxDelay"`
	MaxReconnectAttempts  int      `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	HeartbeatInterval     Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	HeartbeatTimeout      Duration `json:"heartbeatTimeout" yaml:"heartbeatTimeout"`
	ConnectTimeout        Duration `json:"connectTimeout" yaml:"connectTimeout"`
	WriteTimeout          Duration `json:"writeTimeout" yaml:"writeTimeout"`
	OutboundQueueCapacity int      `json:"outboundQueueCapacity" yaml:"outboundQueueCapacity"`
	ConflictWindow        Duration `json:"conflictWindow" yaml:"conflictWindow"`
	EnablePresence        bool     `json:"enablePresence" yaml:"enablePresence"`
	EnableCollaboration   bool     `json:"enableCollaboration" yaml:"enableCollaboration"`
}

// RelayConfig mirrors relay.Config.
type RelayConfig struct {
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`

	// AllowedOrigins lists hosts, besides the relay's own, that may open
	// WebSocket connections. "*" allows any origin.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`

	MaxMessageSize  int64    `json:"maxMessageSize" yaml:"maxMessageSize"`
	SendBuffer      int      `json:"sendBuffer" yaml:"sendBuffer"`
	PingInterval    Duration `json:"pingInterval" yaml:"pingInterval"`
	PongWait        Duration `json:"pongWait" yaml:"pongWait"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"writeTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level" yaml:"level"`

	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// New returns a Config holding the package defaults.
func New() *Config {
	cc := client.DefaultConfig()
	rc := relay.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			URL:                   DefaultURL,
			ReconnectBaseDelay:    Duration(cc.ReconnectBaseDelay),
			ReconnectMaxDelay:     Duration(cc.ReconnectMaxDelay),
			MaxReconnectAttempts:  cc.MaxReconnectAttempts,
			HeartbeatInterval:     Duration(cc.HeartbeatInterval),
			HeartbeatTimeout:      Duration(cc.HeartbeatTimeout),
			ConnectTimeout:        Duration(cc.ConnectTimeout),
			WriteTimeout:          Duration(cc.WriteTimeout),
			OutboundQueueCapacity: cc.OutboundQueueCapacity,
			ConflictWindow:        Duration(cc.ConflictWindow),
			EnablePresence:        cc.EnablePresence,
			EnableCollaboration:   cc.EnableCollaboration,
		},
		Relay: RelayConfig{
			Address:         rc.Address,
			Path:            rc.Path,
			MaxMessageSize:  rc.MaxMessageSize,
			SendBuffer:      rc.SendBuffer,
			PingInterval:    Duration(rc.PingInterval),
			PongWait:        Duration(rc.PongWait),
			WriteTimeout:    Duration(rc.WriteTimeout),
			ShutdownTimeout: Duration(rc.ShutdownTimeout),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file in dir.
func Load(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, errors.New("E100").
		WithDetailf("No %s found in %s", strings.Join(FileNames, ", "), dir)
}

// LoadFile reads the config file at path. The format follows the file
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E100").WithDetailf("%s does not exist", path)
		}
		return nil, errors.New("E101").Wrap(err)
	}

	cfg := New()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, cfg)
	case ".json":
		err = decodeJSON(data, cfg)
	default:
		return nil, errors.New("E103").WithDetailf("%s has extension %q", path, ext)
	}
	if err != nil {
		return nil, parseError(path, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func parseError(path string, err error) error {
	var de *DurationError
	if stderrors.As(err, &de) {
		ce := errors.New("E104").WithDetail(de.Error())
		if de.Line > 0 {
			ce.WithLocation(path, de.Line, de.Column)
		}
		return ce
	}
	return errors.New("E102").
		WithDetailf("Failed to parse %s: %s", filepath.Base(path), err).
		WithLocationFromError(path, err)
}

// applyDefaults fills in values an explicit empty entry cleared.
func (c *Config) applyDefaults() {
	d := New()
	if c.Client.URL == "" {
		c.Client.URL = d.Client.URL
	}
	if c.Relay.Address == "" {
		c.Relay.Address = d.Relay.Address
	}
	if c.Relay.Path == "" {
		c.Relay.Path = d.Relay.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Path returns the path the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.configPath
}

// ClientConfig converts the client section.
func (c *Config) ClientConfig() *client.Config {
	cc := c.Client
	return &client.Config{
		ReconnectBaseDelay:    cc.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:     cc.ReconnectMaxDelay.Std(),
		MaxReconnectAttempts:  cc.MaxReconnectAttempts,
		HeartbeatInterval:     cc.HeartbeatInterval.Std(),
		HeartbeatTimeout:      cc.HeartbeatTimeout.Std(),
		ConnectTimeout:        cc.ConnectTimeout.Std(),
		WriteTimeout:          cc.WriteTimeout.Std(),
		OutboundQueueCapacity: cc.OutboundQueueCapacity,
		ConflictWindow:        cc.ConflictWindow.Std(),
		EnablePresence:        cc.EnablePresence,
		EnableCollaboration:   cc.EnableCollaboration,
	}
}

// Identity returns the configured local user.
func (c *Config) Identity() client.Identity {
	return client.Identity{
		UserID:      c.Client.UserID,
		DisplayName: c.Client.DisplayName,
		Role:        c.Client.Role,
	}
}

// RelayConfig converts the relay section. Unset fields keep the relay
// defaults.
func (c *Config) RelayConfig() *relay.Config {
	rc := c.Relay
	cfg := relay.DefaultConfig()
	cfg.Address = rc.Address
	cfg.Path = rc.Path
	cfg.MaxMessageSize = rc.MaxMessageSize
	cfg.SendBuffer = rc.SendBuffer
	cfg.PingInterval = rc.PingInterval.Std()
	cfg.PongWait = rc.PongWait.Std()
	cfg.WriteTimeout = rc.WriteTimeout.Std()
	cfg.ShutdownTimeout = rc.ShutdownTimeout.Std()
	if len(rc.AllowedOrigins) > 0 {
		cfg.CheckOrigin = OriginCheck(rc.AllowedOrigins)
	}
	return cfg
}

// OriginCheck accepts same-origin upgrades and those whose Origin host is
// listed. "*" accepts every origin.
func OriginCheck(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		hosts[strings.ToLower(h)] = true
	}
	return func(r *http.Request) bool {
		if hosts["*"] || relay.SameOriginCheck(r) {
			return true
		}
		u, err := url.Parse(r.Header.Get("Origin"))
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(u.Host)]
	}
}

// Validate checks both sections.
func (c *Config) Validate() error {
	if err := c.ClientConfig().Validate(); err != nil {
		ce := errors.New("E110").Wrap(err)
		var fe *client.ConfigError
		if stderrors.As(err, &fe) {
			ce.WithDetailf("client.%s", lowerFirst(fe.Field))
		}
		return ce
	}
	if c.Client.URL != "" {
		if u, err := url.Parse(c.Client.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return errors.New("E110").
				WithDetailf("client.url: %q is not a ws:// or wss:// URL", c.Client.URL)
		}
	}
	if err := c.RelayConfig().Validate(); err != nil {
		return errors.New("E111").Wrap(err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return errors.New("E110").Wrap(err).WithDetail("log.level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.New("E110").
			WithDetailf("log.format: %q is neither text nor json", c.Log.Format)
	}
	return nil
}

// Logger builds the slog logger the log section describes.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// WriteYAML writes the config as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Exists reports whether dir holds a config file.
func Exists(dir string) bool {
	for _, name := range FileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// FindProjectRoot walks up from startDir to the first directory holding a
// config file.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if Exists(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E100").
				WithDetailf("No config file found in %s or any parent directory", startDir)
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads the nearest config file above the working
// directory. Without one it returns the defaults.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := FindProjectRoot(wd)
	if err != nil {
		if errors.Code(err) == "E100" {
			return New(), nil
		}
		return nil, err
	}
	return Load(root)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
