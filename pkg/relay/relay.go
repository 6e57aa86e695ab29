// Package relay is a fan-out server for collaboration clients.
//
// The relay holds no document state. It accepts WebSocket connections,
// answers envelope PINGs, and forwards every other message unchanged to the
// peers that joined the same session (USER_JOINED with a session ID).
// Session-less messages go to every other peer. When a peer disconnects,
// its departure is broadcast as USER_LEFT to each session it had joined.
//
// A newcomer to a session receives the USER_JOINED announcements of the
// members already present. A replayed announcement carries the member's
// newest envelope timestamp, so a client that saw later traffic from that
// member before reconnecting still accepts it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collabsync/pkg/metrics"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

// DefaultTracerName is the tracer used when none is supplied.
const DefaultTracerName = "collabsync/relay"

// ErrShuttingDown is returned for connections attempted during shutdown.
var ErrShuttingDown = errors.New("relay: shutting down")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the metrics collector served on /metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for per-message spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// WithClock sets the clock stamping relay-originated messages.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// Server is the relay. It is safe for concurrent use.
type Server struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.RWMutex
	closing  bool
	peers    map[*peer]struct{}
	sessions map[string]map[*peer][]byte // session -> member -> its USER_JOINED

	httpMu     sync.Mutex
	httpServer *http.Server
}

// New creates a relay. A nil cfg uses DefaultConfig; unset fields take
// their defaults.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
		cfg.fillDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		peers:    make(map[*peer]struct{}),
		sessions: make(map[string]map[*peer][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "relay")
	if s.metrics == nil {
		s.metrics = metrics.New(metrics.WithSubsystem("relay"))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(DefaultTracerName)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     cfg.CheckOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get(s.cfg.Path, s.handleWebSocket)
	return r
}

// Handler returns the relay's HTTP handler: the WebSocket endpoint,
// /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Config returns a copy of the relay configuration.
func (s *Server) Config() *Config {
	return s.cfg.Clone()
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay starting", "address", s.cfg.Address, "path", s.cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown disconnects every peer with a going-away close frame and stops
// the HTTP server started by Run.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closing = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.goAway("relay shutting down")
	}

	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("relay shutdown complete")
	return nil
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Sessions returns the IDs of sessions with at least one member, sorted.
func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns the user IDs joined to a session, sorted.
func (s *Server) Members(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.sessions[sessionID] {
		out = append(out, p.user())
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	body := map[string]any{
		"status":   "ok",
		"peers":    len(s.peers),
		"sessions": len(s.sessions),
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("health response failed", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	p := newPeer(s, conn, middleware.GetReqID(r.Context()))
	if !s.addPeer(p) {
		p.goAway(ErrShuttingDown.Error())
		return
	}
	p.logger.Debug("peer connected", "remote", r.RemoteAddr)

	go p.writeLoop()
	p.readLoop()
	s.removePeer(p)
}

func (s *Server) addPeer(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.peers[p] = struct{}{}
	s.metrics.ConnectionOpened()
	return true
}

// removePeer drops p and announces its departure to every session it had
// joined, unless the same user is still present there on another
// connection.
func (s *Server) removePeer(p *peer) {
	user, at := p.user(), p.lastSeen()

	s.mu.Lock()
	if _, ok := s.peers[p]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p)
	s.metrics.ConnectionClosed()

	type departure struct {
		session    string
		resource   string
		recipients []*peer
	}
	var gone []departure
	for sid, resource := range p.joined() {
		members := s.sessions[sid]
		delete(members, p)
		if len(members) == 0 {
			delete(s.sessions, sid)
			continue
		}
		d := departure{session: sid, resource: resource}
		stillHere := false
		for m := range members {
			if m.user() == user {
				stillHere = true
				break
			}
			d.recipients = append(d.recipients, m)
		}
		if !stillHere && user != "" {
			gone = append(gone, d)
		}
	}
	s.mu.Unlock()

	for _, d := range gone {
		data, err := userLeft(user, d.session, d.resource, at)
		if err != nil {
			p.logger.Error("departure message failed", "error", err)
			continue
		}
		for _, m := range d.recipients {
			m.enqueue(data, protocol.KindUserLeft)
		}
	}
	p.logger.Debug("peer disconnected", "sessions", len(gone))
}

// join adds p to a session and returns the announcements of the members
// already present, each stamped no earlier than that member's newest
// message.
func (s *Server) join(p *peer, sessionID string, announcement []byte) (existing [][]byte, others []*peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.sessions[sessionID]
	if !ok {
		members = make(map[*peer][]byte)
		s.sessions[sessionID] = members
	}
	for m, ann := range members {
		if m == p {
			continue
		}
		others = append(others, m)
		if ann == nil {
			continue
		}
		data, err := restamp(ann, m.lastMillis())
		if err != nil {
			p.logger.Error("replay failed", "member", m.user(), "error", err)
			continue
		}
		existing = append(existing, data)
	}
	members[p] = announcement
	return existing, others
}

func (s *Server) leave(p *peer, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.sessions[sessionID]
	delete(members, p)
	if len(members) == 0 {
		delete(s.sessions, sessionID)
	}
}

// recipients returns the peers a message from p is forwarded to.
func (s *Server) recipients(p *peer, sessionID string) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*peer
	if sessionID == "" {
		for m := range s.peers {
			if m != p {
				out = append(out, m)
			}
		}
		return out
	}
	for m := range s.sessions[sessionID] {
		if m != p {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) now() time.Time {
	return s.clock.Now()
}
