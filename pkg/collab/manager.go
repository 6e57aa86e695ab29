// Package collab tracks collaborative sessions: who is editing a resource,
// which changes were proposed, and how concurrent changes to the same field
// are detected and resolved.
//
// Every change passes through one pipeline. It is appended to the session's
// change log, compared against live changes by other users to the same field
// within the conflict window, and either applied directly or paired into
// conflicts that the session's Resolver decides. The default resolver is
// last-writer-wins by timestamp, so every client seeing the same pair of
// changes reaches the same outcome without a server round-trip.
//
// Field locks are advisory. They stop local proposals on a field held by
// another online user but never block remote changes, and a lock whose
// holder goes offline is void.
package collab

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collabsync/pkg/events"
)

// Defaults.
const (
	DefaultConflictWindow = 5 * time.Second
	DefaultTracerName     = "collabsync/collab"
)

// Config configures a Manager and the sessions it creates.
type Config struct {
	// LocalUserID identifies the user on whose behalf local proposals are
	// made.
	LocalUserID string

	// ConflictWindow is how close two changes' timestamps must be to count
	// as concurrent. Default: DefaultConflictWindow.
	ConflictWindow time.Duration

	// Resolver decides conflicts. Default: LastWriterWins.
	Resolver Resolver

	// Presence voids locks held by offline users. Without it every lock
	// holder is treated as online.
	Presence Presence

	// Publisher sends FIELD_UPDATE, CONFLICT_RESOLUTION and lock
	// announcements. Optional.
	Publisher Publisher

	// Events receives session events. Optional.
	Events events.Emitter

	// Clock stamps local changes. Default: real clock.
	Clock clockwork.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Tracer defaults to otel.Tracer(DefaultTracerName).
	Tracer trace.Tracer
}

func (c *Config) setDefaults() {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = DefaultConflictWindow
	}
	if c.Resolver == nil {
		c.Resolver = LastWriterWins
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "collab")
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(DefaultTracerName)
	}
}

// Manager owns the sessions of one local user.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	byResource map[string]*Session
	byID       map[string]*Session
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:        cfg,
		byResource: make(map[string]*Session),
		byID:       make(map[string]*Session),
	}
}

// Join creates or attaches to the session for resourceID and adds the local
// user as a participant. SessionJoined is emitted when the local user was
// not already a participant.
func (m *Manager) Join(ctx context.Context, resourceID string) (*Session, error) {
	if resourceID == "" {
		return nil, ErrEmptyResource
	}

	m.mu.Lock()
	s, ok := m.byResource[resourceID]
	if !ok {
		s = newSession(&m.cfg, resourceID)
		m.byResource[resourceID] = s
		m.byID[s.id] = s
	}
	added := s.addParticipant(m.cfg.LocalUserID)
	m.mu.Unlock()

	if added {
		m.cfg.Logger.Info("session joined", "resource", resourceID, "session", s.id)
		m.emit(SessionJoined{SessionID: s.id, ResourceID: resourceID, UserID: m.cfg.LocalUserID})
	}
	return s, nil
}

// Leave retires the session for resourceID and forgets its remote
// participants.
func (m *Manager) Leave(ctx context.Context, resourceID string) error {
	m.mu.Lock()
	s, ok := m.byResource[resourceID]
	if ok {
		delete(m.byResource, resourceID)
		delete(m.byID, s.id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.clearParticipants()

	m.cfg.Logger.Info("session left", "resource", resourceID, "session", s.id)
	m.emit(SessionLeft{
		SessionID:  s.id,
		ResourceID: resourceID,
		UserID:     m.cfg.LocalUserID,
	})
	return nil
}

// AddParticipant records a remote user in an existing session. It returns
// false if the session is unknown or the user was already present.
func (m *Manager) AddParticipant(sessionID, userID string) bool {
	s, ok := m.SessionByID(sessionID)
	if !ok || userID == "" {
		return false
	}
	return s.addParticipant(userID)
}

// RemoveParticipant drops a remote user from a session and retires the
// session if it is now empty. It returns whether the session was retired.
func (m *Manager) RemoveParticipant(sessionID, userID string) bool {
	s, ok := m.SessionByID(sessionID)
	if !ok {
		return false
	}
	return m.removeParticipant(s, userID)
}

func (m *Manager) removeParticipant(s *Session, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.removeParticipant(userID) > 0 {
		return false
	}
	if m.byID[s.id] == s {
		delete(m.byID, s.id)
		delete(m.byResource, s.resourceID)
	}
	return true
}

// Session returns the session for resourceID.
func (m *Manager) Session(resourceID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byResource[resourceID]
	return s, ok
}

// SessionByID returns the session with the given envelope session ID.
func (m *Manager) SessionByID(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// Sessions returns the live sessions ordered by resource ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.byResource))
	for _, s := range m.byResource {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].resourceID < out[j].resourceID })
	return out
}

func (m *Manager) emit(ev events.Event) {
	if m.cfg.Events != nil {
		m.cfg.Events.Emit(ev)
	}
}
