package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/heartbeat"
	"github.com/vango-dev/collabsync/pkg/metrics"
	"github.com/vango-dev/collabsync/pkg/protocol"
	"github.com/vango-dev/collabsync/pkg/queue"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// allowed lists the legal transitions. Closed has none.
var allowed = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected, StateClosed},
	StateConnected:    {StateDisconnected, StateReconnecting, StateClosed},
	StateReconnecting: {StateConnecting, StateClosed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a snapshot of the connection.
type Status struct {
	State            State
	ReconnectAttempt int
	Queued           int
	Connections      uint64 // successful opens so far
}

// Manager owns the transport connection: its state machine, reconnect
// backoff, heartbeat and the outbound queue. It is the only writer to the
// transport.
//
// Lock order is writeMu before mu. mu guards every state transition;
// writeMu serializes transport writes and is held across the transition to
// Connected and the queue flush, so no new send overtakes queued messages.
type Manager struct {
	cfg      *Config
	identity Identity
	dialer   Dialer
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	emitter  events.Emitter
	queue    *queue.Queue[protocol.Message]

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	epoch      uint64 // bumped per dial and per teardown; stale callbacks compare against it
	conn       Conn
	attempt    int
	opens      uint64
	backoff    clockwork.Timer
	cancelDial context.CancelFunc
	hb         *heartbeat.Monitor
	handler    func(protocol.Message)
	pending    []events.Event
	retired    []Conn // closed by emitAll, outside mu
}

// NewManager creates a disconnected Manager.
func NewManager(cfg *Config, identity Identity, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if identity.UserID == "" {
		return nil, ErrNoIdentity
	}
	o := buildOptions(cfg, identity, opts)
	if o.dialer == nil {
		return nil, ErrNoDialer
	}
	return newManager(cfg.Clone(), identity, o), nil
}

func newManager(cfg *Config, identity Identity, o options) *Manager {
	m := &Manager{
		cfg:      cfg,
		identity: identity,
		dialer:   o.dialer,
		clock:    o.clock,
		logger:   o.logger.With("component", "connection", "user", identity.UserID),
		metrics:  o.metrics,
		emitter:  o.dispatcher,
		queue: queue.New(cfg.OutboundQueueCapacity,
			queue.WithKey(func(msg protocol.Message) string { return msg.ID() })),
	}
	m.metrics.SetConnectionState(StateDisconnected.String())
	return m
}

// OnMessage sets the handler for inbound messages other than PING and
// PONG. It must be set before Connect.
func (m *Manager) OnMessage(fn func(protocol.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:            m.state,
		ReconnectAttempt: m.attempt,
		Queued:           m.queue.Len(),
		Connections:      m.opens,
	}
}

// Connect starts connecting in the background and returns immediately.
// It is a no-op while connecting, connected or waiting out a backoff, and
// fails with ErrClosed after Shutdown.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.unlock()

	switch m.state {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		m.attempt = 0
		m.dialLocked()
	}
	return nil
}

// Send writes msg if connected and queues it otherwise. A failed write
// queues the message and starts reconnecting. Send never blocks on the
// network while disconnected and fails only with ErrClosed.
func (m *Manager) Send(msg protocol.Message) error {
	m.writeMu.Lock()
	m.mu.Lock()

	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		m.writeMu.Unlock()
		return ErrClosed

	case StateConnected:
		conn, epoch := m.conn, m.epoch
		m.mu.Unlock()
		err := m.write(conn, msg)
		if err == nil {
			m.writeMu.Unlock()
			return nil
		}
		m.mu.Lock()
		m.enqueueLocked(msg)
		if epoch == m.epoch && m.state == StateConnected {
			m.failLocked(&TransportError{Op: "write", Err: err})
		}

	default:
		m.enqueueLocked(msg)
	}

	evs := m.takeLocked()
	m.mu.Unlock()
	m.writeMu.Unlock()
	m.emitAll(evs)
	return nil
}

// SendControl writes msg only if connected. Control traffic such as PONG
// replies is meaningless on a later connection, so it is never queued.
func (m *Manager) SendControl(msg protocol.Message) error {
	return m.sendOn(0, msg)
}

// Shutdown moves to Closed: timers are cancelled, a best-effort DISCONNECT
// is written and the transport is closed. It is idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	wasConnected := m.state == StateConnected
	m.stopTimersLocked()
	m.conn = nil
	m.epoch++
	m.transitionLocked(StateClosed)
	if wasConnected {
		m.pending = append(m.pending, Disconnected{Clean: true})
	}
	evs := m.takeLocked()
	m.mu.Unlock()

	if wasConnected && conn != nil && ctx.Err() == nil {
		if bye, err := protocol.NewMessage(protocol.KindDisconnect, m.identity.UserID, "", nil, m.clock.Now()); err == nil {
			m.writeMu.Lock()
			if err := m.write(conn, bye); err != nil {
				m.logger.Debug("disconnect notice not sent", "error", err)
			}
			m.writeMu.Unlock()
		}
	}
	if conn != nil {
		conn.Close()
		m.metrics.ConnectionClosed()
	}
	m.logger.Info("connection shut down")
	m.emitAll(evs)
	return nil
}

// unlock releases mu, closes connections torn down while it was held and
// emits the queued events.
func (m *Manager) unlock() {
	out := m.takeLocked()
	m.mu.Unlock()
	m.emitAll(out)
}

// deferred is the work collected under mu that must run after release.
type deferred struct {
	events  []events.Event
	retired []Conn
}

func (m *Manager) takeLocked() deferred {
	out := deferred{events: m.pending, retired: m.retired}
	m.pending, m.retired = nil, nil
	return out
}

func (m *Manager) emitAll(out deferred) {
	for _, conn := range out.retired {
		conn.Close()
	}
	if m.emitter == nil {
		return
	}
	for _, ev := range out.events {
		m.emitter.Emit(ev)
	}
}

func (m *Manager) transitionLocked(to State) bool {
	from := m.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		m.logger.Warn("illegal state transition ignored", "from", from, "to", to)
		return false
	}
	m.state = to
	m.metrics.SetConnectionState(to.String())
	m.logger.Debug("state change", "from", from, "to", to)
	m.pending = append(m.pending, StateChange{From: from, To: to})
	return true
}

func (m *Manager) dialLocked() {
	if !m.transitionLocked(StateConnecting) {
		return
	}
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.cancelDial = cancel
	go m.run(ctx, cancel, epoch)
}

// run dials and, once open, becomes the connection's reader.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	conn, err := m.dialer.Dial(ctx)
	cancel()

	if err != nil {
		m.mu.Lock()
		if epoch == m.epoch && m.state == StateConnecting {
			m.logger.Warn("dial failed", "error", err, "attempt", m.attempt)
			m.scheduleReconnectLocked(&TransportError{Op: "dial", Err: err})
		}
		m.unlock()
		return
	}

	if !m.open(conn, epoch) {
		return
	}
	m.readLoop(conn, epoch)
}

// open moves to Connected, announces the client and flushes the queue.
func (m *Manager) open(conn Conn, epoch uint64) bool {
	m.writeMu.Lock()
	m.mu.Lock()
	if epoch != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		m.writeMu.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.cancelDial = nil
	m.attempt = 0
	m.opens++
	m.metrics.ConnectionOpened()
	reconnect := m.opens > 1
	m.transitionLocked(StateConnected)
	m.startHeartbeatLocked(epoch)
	m.pending = append(m.pending, Connected{Epoch: epoch, Reconnect: reconnect})
	m.mu.Unlock()

	kind := protocol.KindConnect
	if reconnect {
		kind = protocol.KindReconnect
	}
	hello, err := protocol.NewMessage(kind, m.identity.UserID, "", protocol.ConnectPayload{
		UserID:      m.identity.UserID,
		DisplayName: m.identity.DisplayName,
		Role:        m.identity.Role,
		Epoch:       epoch,
	}, m.clock.Now())
	if err == nil {
		err = m.write(conn, hello)
	}
	flushed := 0
	if err == nil {
		flushed, err = m.queue.DrainTo(func(msg protocol.Message) error {
			return m.write(conn, msg)
		})
	}

	m.mu.Lock()
	m.metrics.SetQueueDepth(m.queue.Len())
	ok := err == nil
	if !ok && epoch == m.epoch && m.state == StateConnected {
		m.failLocked(&TransportError{Op: "flush", Err: err})
	}
	evs := m.takeLocked()
	m.mu.Unlock()
	m.writeMu.Unlock()

	if ok {
		m.logger.Info("connected", "epoch", epoch, "reconnect", reconnect, "flushed", flushed)
	}
	m.emitAll(evs)
	return ok
}

func (m *Manager) readLoop(conn Conn, epoch uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if epoch == m.epoch && m.state == StateConnected {
				if errors.Is(err, ErrCleanClose) {
					m.failLocked(err)
				} else {
					m.logger.Error("read error", "error", err)
					m.failLocked(&TransportError{Op: "read", Err: err})
				}
			}
			m.unlock()
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable message", "error", err, "bytes", len(data))
			m.metrics.DecodeError()
			continue
		}
		m.metrics.MessageReceived(msg.Kind())
		m.dispatch(epoch, msg)
	}
}

func (m *Manager) dispatch(epoch uint64, msg protocol.Message) {
	switch msg.Kind() {
	case protocol.KindPing:
		var ping protocol.PingPayload
		if err := msg.DecodePayload(&ping); err != nil {
			m.logger.Warn("bad ping", "error", err)
			return
		}
		pong, err := protocol.NewMessage(protocol.KindPong, m.identity.UserID, "", ping, m.clock.Now())
		if err == nil {
			err = m.sendOn(epoch, pong)
		}
		if err != nil {
			m.logger.Debug("pong not sent", "error", err)
		}
		return

	case protocol.KindPong:
		var pong protocol.PingPayload
		if err := msg.DecodePayload(&pong); err != nil {
			m.logger.Warn("bad pong", "error", err)
			return
		}
		m.mu.Lock()
		hb := m.hb
		current := epoch == m.epoch
		m.mu.Unlock()
		if current && hb != nil && hb.Pong(pong.Nonce) {
			m.metrics.ObserveRTT(hb.LastRTT())
		}
		return
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// sendOn writes msg on the connection of the given epoch (0 = current)
// without queueing.
func (m *Manager) sendOn(epoch uint64, msg protocol.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || (epoch != 0 && epoch != m.epoch) {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()
	return m.write(conn, msg)
}

func (m *Manager) write(conn Conn, msg protocol.Message) error {
	if err := conn.WriteMessage(protocol.Encode(msg)); err != nil {
		return err
	}
	m.metrics.MessageSent(msg.Kind())
	return nil
}

func (m *Manager) enqueueLocked(msg protocol.Message) {
	dropped, evicted, err := m.queue.Enqueue(msg)
	if errors.Is(err, queue.ErrDuplicate) {
		m.logger.Debug("duplicate message not queued", "id", msg.ID())
		return
	}
	m.metrics.SetQueueDepth(m.queue.Len())
	if evicted {
		m.metrics.QueueEvicted(1)
		m.logger.Warn("outbound queue full, dropped oldest message",
			"dropped", dropped.ID(),
			"kind", dropped.Kind(),
			"capacity", m.queue.Cap())
		m.pending = append(m.pending, QueueOverflow{Dropped: dropped, Capacity: m.queue.Cap()})
	}
}

func (m *Manager) startHeartbeatLocked(epoch uint64) {
	hb, err := heartbeat.New(heartbeat.Config{
		Interval: m.cfg.HeartbeatInterval,
		Timeout:  m.cfg.HeartbeatTimeout,
		Clock:    m.clock,
		Logger:   m.logger,
		Ping: func(nonce uint64) error {
			ping, err := protocol.NewMessage(protocol.KindPing, m.identity.UserID, "", protocol.PingPayload{
				Nonce:  nonce,
				SentAt: m.clock.Now().UnixMilli(),
			}, m.clock.Now())
			if err != nil {
				return err
			}
			return m.sendOn(epoch, ping)
		},
		OnTimeout: func() { m.livenessLost(epoch) },
	})
	if err != nil {
		m.logger.Error("heartbeat disabled", "error", err)
		return
	}
	m.hb = hb
	hb.Start()
}

func (m *Manager) livenessLost(epoch uint64) {
	m.mu.Lock()
	defer m.unlock()

	if epoch != m.epoch || m.state != StateConnected {
		return
	}
	m.metrics.HeartbeatTimeout()
	m.logger.Warn("connection lost", "error", ErrLivenessTimeout)
	m.failLocked(ErrLivenessTimeout)
}

// failLocked tears down the open connection. Clean closes end in
// Disconnected; everything else schedules a reconnect.
func (m *Manager) failLocked(cause error) {
	conn := m.conn
	m.conn = nil
	m.epoch++
	m.stopTimersLocked()
	if conn != nil {
		m.retired = append(m.retired, conn)
		m.metrics.ConnectionClosed()
	}

	if errors.Is(cause, ErrCleanClose) {
		m.logger.Info("connection closed by peer")
		m.transitionLocked(StateDisconnected)
		m.pending = append(m.pending, Disconnected{Clean: true})
		return
	}
	m.pending = append(m.pending, Disconnected{Err: cause})
	m.scheduleReconnectLocked(cause)
}

func (m *Manager) scheduleReconnectLocked(cause error) {
	m.attempt++
	if m.attempt > m.cfg.MaxReconnectAttempts {
		attempts := m.attempt - 1
		m.attempt = 0
		m.transitionLocked(StateDisconnected)
		m.logger.Error("giving up reconnecting", "attempts", attempts, "error", cause)
		m.pending = append(m.pending, MaxReconnectAttemptsReached{
			Attempts: attempts,
			Err:      cause,
			Queued:   m.queue.Len(),
			Message:  GiveUpMessage,
		})
		return
	}

	delay := Backoff(m.attempt, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
	if !m.transitionLocked(StateReconnecting) {
		return
	}
	m.metrics.ReconnectAttempt()
	m.logger.Info("reconnecting", "attempt", m.attempt, "delay", delay, "error", cause)
	m.pending = append(m.pending, Reconnecting{Attempt: m.attempt, Delay: delay, Err: cause})

	epoch := m.epoch
	m.backoff = m.clock.AfterFunc(delay, func() { m.backoffElapsed(epoch) })
}

func (m *Manager) backoffElapsed(epoch uint64) {
	m.mu.Lock()
	defer m.unlock()

	if epoch != m.epoch || m.state != StateReconnecting {
		return
	}
	m.backoff = nil
	m.dialLocked()
}

func (m *Manager) stopTimersLocked() {
	if m.backoff != nil {
		m.backoff.Stop()
		m.backoff = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.hb != nil {
		m.hb.Stop()
		m.hb = nil
	}
}
