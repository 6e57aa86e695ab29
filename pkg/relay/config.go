package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config holds configuration for a relay server.
type Config struct {
	// Address is the listen address for Run.
	// Default: ":8080".
	Address string

	// Path is the WebSocket endpoint.
	// Default: "/ws".
	Path string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the request origin of WebSocket upgrades.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageSize is the largest inbound message accepted.
	// Default: 1MB.
	MaxMessageSize int64

	// SendBuffer is the number of outbound messages buffered per peer. A
	// peer whose buffer is full is disconnected.
	// Default: 256.
	SendBuffer int

	// PingInterval is the time between WebSocket-level pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// PongWait is how long a peer may stay silent before it is dropped. Must
	// exceed PingInterval.
	// Default: 60 seconds.
	PongWait time.Duration

	// WriteTimeout bounds a single write to a peer.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadHeaderTimeout is the HTTP server's header read timeout.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
// CheckOrigin enforces same-origin by default.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		Path:              "/ws",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		MaxMessageSize:    1 << 20,
		SendBuffer:        256,
		PingInterval:      30 * time.Second,
		PongWait:          60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// fillDefaults sets unset fields from DefaultConfig.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Path == "" || c.Path[0] != '/':
		return fmt.Errorf("relay: path %q must start with /", c.Path)
	case c.SendBuffer < 1:
		return fmt.Errorf("relay: send buffer must be at least 1")
	case c.MaxMessageSize < 1:
		return fmt.Errorf("relay: max message size must be positive")
	case c.PingInterval <= 0 || c.PongWait <= c.PingInterval:
		return fmt.Errorf("relay: pong wait (%s) must exceed ping interval (%s)", c.PongWait, c.PingInterval)
	}
	return nil
}

// SameOriginCheck accepts WebSocket upgrades without an Origin header or
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}
