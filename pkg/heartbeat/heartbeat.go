// Package heartbeat detects dead connections with a ping/deadline pair of
// timers.
//
// Every Interval the monitor sends a probe and arms a deadline of Timeout
// (Timeout < Interval). A matching Pong disarms the deadline. If the deadline
// fires first the monitor stops itself and reports liveness loss exactly once.
// A slow but alive peer is tolerated as long as it answers within Timeout.
package heartbeat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrInvalidTimeout is returned by New when Timeout is not below Interval.
var ErrInvalidTimeout = errors.New("heartbeat: timeout must be positive and shorter than interval")

// Config configures a Monitor.
type Config struct {
	// Interval is the time between probes.
	Interval time.Duration

	// Timeout is how long to wait for a matching pong.
	Timeout time.Duration

	// Ping sends a probe carrying nonce. An error is logged and treated as a
	// missed probe; the deadline still applies.
	Ping func(nonce uint64) error

	// OnTimeout is called once, outside the monitor lock, when a deadline
	// expires.
	OnTimeout func()

	// Clock drives both timers. Default: real clock.
	Clock clockwork.Clock

	// Logger receives probe failures. Default: slog.Default().
	Logger *slog.Logger
}

// Monitor is a restartable liveness detector. It is safe for concurrent use.
type Monitor struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	gen      uint64 // bumped on Start/Stop so stale timer callbacks are ignored
	nonce    uint64
	pending  uint64 // nonce awaiting a pong, 0 if none
	ticker   clockwork.Timer
	deadline clockwork.Timer
	sentAt   time.Time
	lastRTT  time.Duration
}

// New validates cfg and creates a stopped monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 || cfg.Timeout <= 0 || cfg.Timeout >= cfg.Interval {
		return nil, ErrInvalidTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "heartbeat"),
	}, nil
}

// Start begins probing. Calling Start on a running monitor restarts it.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimersLocked()
	m.gen++
	m.running = true
	m.pending = 0
	gen := m.gen
	m.ticker = m.clock.AfterFunc(m.cfg.Interval, func() { m.tick(gen) })
}

// Stop halts probing and disarms any deadline. It is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimersLocked()
	m.gen++
	m.running = false
	m.pending = 0
}

// Pong records a response. It returns true if nonce matched the outstanding
// probe and the deadline was disarmed.
func (m *Monitor) Pong(nonce uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.pending == 0 || nonce != m.pending {
		return false
	}
	m.pending = 0
	m.lastRTT = m.clock.Since(m.sentAt)
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	return true
}

// Running reports whether the monitor is probing.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Pending returns the nonce awaiting a pong, or 0.
func (m *Monitor) Pending() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// LastRTT returns the round-trip time of the most recent matched probe.
func (m *Monitor) LastRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRTT
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.nonce++
	nonce := m.nonce
	m.pending = nonce
	m.sentAt = m.clock.Now()
	if m.deadline != nil {
		m.deadline.Stop()
	}
	m.deadline = m.clock.AfterFunc(m.cfg.Timeout, func() { m.expire(gen, nonce) })
	m.ticker = m.clock.AfterFunc(m.cfg.Interval, func() { m.tick(gen) })
	m.mu.Unlock()

	if m.cfg.Ping == nil {
		return
	}
	if err := m.cfg.Ping(nonce); err != nil {
		m.logger.Warn("ping failed", "nonce", nonce, "error", err)
	}
}

func (m *Monitor) expire(gen, nonce uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen || m.pending != nonce {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.gen++
	m.running = false
	m.pending = 0
	m.mu.Unlock()

	m.logger.Warn("heartbeat timeout", "nonce", nonce, "timeout", m.cfg.Timeout)
	if m.cfg.OnTimeout != nil {
		m.cfg.OnTimeout()
	}
}

func (m *Monitor) stopTimersLocked() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}
