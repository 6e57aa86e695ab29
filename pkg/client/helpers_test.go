package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

var (
	errConnClosed = errors.New("fake: use of closed connection")
	errDialFailed = errors.New("fake: connection refused")
	errReset      = errors.New("fake: connection reset by peer")
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory Conn. Messages pushed with deliver are read by
// the Manager; writes are recorded.
type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	out      [][]byte
	readErr  error
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.out = append(c.out, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// drop makes the next read fail with err.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.Close()
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) deliver(msg protocol.Message) {
	c.in <- protocol.Encode(msg)
}

func (c *fakeConn) written(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.out))
	for _, data := range c.out {
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) writtenKinds(t *testing.T) []protocol.Kind {
	t.Helper()
	var kinds []protocol.Kind
	for _, msg := range c.written(t) {
		kinds = append(kinds, msg.Kind())
	}
	return kinds
}

// fakeDialer hands out a fresh fakeConn per successful dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	fail  bool
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errDialFailed
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// recorder collects every emitted event.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func record(d *events.Dispatcher) *recorder {
	r := &recorder{}
	d.OnAny(func(ev events.Event) {
		r.mu.Lock()
		r.evs = append(r.evs, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) named(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(name events.Name) int {
	return len(r.named(name))
}

type managerHarness struct {
	m      *Manager
	dialer *fakeDialer
	clock  clockwork.FakeClock
	events *recorder
}

func newHarness(t *testing.T, cfg *Config) *managerHarness {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	h := &managerHarness{
		dialer: &fakeDialer{},
		clock:  clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000)),
	}
	d := events.New(discardLogger())
	h.events = record(d)

	m, err := NewManager(cfg, Identity{UserID: "alice", DisplayName: "Alice"},
		WithDialer(h.dialer),
		WithClock(h.clock),
		WithDispatcher(d),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return h
}

func (h *managerHarness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, tick,
		"state never became %s (is %s)", want, h.m.State())
}

// connected waits for the i-th connection to be open.
func (h *managerHarness) connected(t *testing.T, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.dialer.conn(i) != nil && h.m.State() == StateConnected && h.m.Status().Connections == uint64(i+1)
	}, waitFor, tick)
	return h.dialer.conn(i)
}

func textEdit(t *testing.T, clock clockwork.Clock, n int) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.KindTextEdit, "alice", "s1", map[string]int{"n": n}, clock.Now())
	require.NoError(t, err)
	return msg
}

func newMessage(t *testing.T, kind protocol.Kind, sender, session string, payload any, at time.Time) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(kind, sender, session, payload, at)
	require.NoError(t, err)
	return msg
}
