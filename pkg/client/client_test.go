package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/collabsync/pkg/collab"
	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

var docSession = collab.SessionID("doc-1")

type clientHarness struct {
	c      *Client
	dialer *fakeDialer
	clock  clockwork.FakeClock
	events *recorder
	conn   *fakeConn
}

// newClient creates a client for alice that joined doc-1 and is connected.
func newClient(t *testing.T, cfg *Config) *clientHarness {
	t.Helper()
	h := &clientHarness{
		dialer: &fakeDialer{},
		clock:  clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_100)),
	}
	d := events.New(discardLogger())
	h.events = record(d)

	c, err := New(cfg, Identity{UserID: "alice", DisplayName: "Alice"},
		WithDialer(h.dialer),
		WithClock(h.clock),
		WithDispatcher(d),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { c.Shutdown(context.Background()) })

	if c.cfg.EnableCollaboration {
		_, err = c.Join(context.Background(), "doc-1")
		require.NoError(t, err)
	}
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return h.events.count(events.NameConnected) == 1 }, waitFor, tick)
	h.conn = h.dialer.conn(0)
	return h
}

func (h *clientHarness) presence(t *testing.T, kind protocol.Kind, p protocol.PresencePayload) {
	t.Helper()
	h.conn.deliver(newMessage(t, kind, p.UserID, docSession, p, h.clock.Now()))
}

func (h *clientHarness) waitEvent(t *testing.T, name events.Name, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.events.count(name) >= n }, waitFor, tick,
		"expected %d %s events", n, name)
}

func (h *clientHarness) sent(t *testing.T, kind protocol.Kind) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, msg := range h.conn.written(t) {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

func TestNewClientValidation(t *testing.T) {
	_, err := New(nil, Identity{}, WithDialer(&fakeDialer{}))
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = New(nil, Identity{UserID: "alice"})
	assert.ErrorIs(t, err, ErrNoDialer)

	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Hour
	_, err = New(cfg, Identity{UserID: "alice"}, WithDialer(&fakeDialer{}))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(nil, Identity{UserID: "alice"}, WithURL("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)
	assert.IsType(t, &WebSocketDialer{}, c.conn.dialer)
}

func TestJoinAnnouncesPresence(t *testing.T) {
	h := newClient(t, nil)

	kinds := h.conn.writtenKinds(t)
	require.Len(t, kinds, 2)
	assert.Equal(t, protocol.KindConnect, kinds[0])
	assert.Equal(t, protocol.KindUserJoined, kinds[1])

	joined := h.sent(t, protocol.KindUserJoined)[0]
	assert.Equal(t, docSession, joined.SessionID())
	var p protocol.PresencePayload
	require.NoError(t, joined.DecodePayload(&p))
	assert.Equal(t, "doc-1", p.ResourceID)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, 1, h.events.count(events.NameSessionJoined))
}

func TestPresenceRouting(t *testing.T) {
	h := newClient(t, nil)

	h.presence(t, protocol.KindUserJoined, protocol.PresencePayload{UserID: "bob", DisplayName: "Bob", ResourceID: "doc-1"})
	h.waitEvent(t, events.NameUserJoined, 1)

	rec, ok := h.c.GetUserPresence("bob")
	require.True(t, ok)
	assert.True(t, rec.Online)
	assert.Equal(t, "Bob", rec.DisplayName)
	assert.Equal(t, "doc-1", rec.CurrentResourceID)
	s, _ := h.c.Session("doc-1")
	assert.Equal(t, []string{"alice", "bob"}, s.Participants())

	h.presence(t, protocol.KindCursorMove, protocol.PresencePayload{UserID: "bob", Cursor: &protocol.Cursor{FieldID: "amount", Line: 1, Column: 4}})
	h.waitEvent(t, events.NameCursorMove, 1)
	ev := h.events.named(events.NameCursorMove)[0].(CursorMove)
	require.NotNil(t, ev.Record.Cursor)
	assert.Equal(t, 4, ev.Record.Cursor.Column)
	assert.Equal(t, docSession, ev.SessionID)

	// Own echoes are not tracked.
	h.presence(t, protocol.KindUserPresence, protocol.PresencePayload{UserID: "alice"})

	h.presence(t, protocol.KindUserLeft, protocol.PresencePayload{UserID: "bob", ResourceID: "doc-1"})
	h.waitEvent(t, events.NameUserLeft, 1)

	rec, ok = h.c.GetUserPresence("bob")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Equal(t, []string{"alice"}, s.Participants())
	assert.Empty(t, h.c.GetPresence())
	_, ok = h.c.GetUserPresence("alice")
	assert.False(t, ok)
	assert.Zero(t, h.events.count(events.NameUserPresence))
}

func TestFieldUpdateRouting(t *testing.T) {
	h := newClient(t, nil)

	h.conn.deliver(newMessage(t, protocol.KindFieldUpdate, "bob", docSession, protocol.FieldUpdatePayload{
		ResourceID: "doc-1",
		ChangeID:   "bob-1",
		FieldID:    "title",
		NewValue:   "Q3 budget",
		AppliedAt:  h.clock.Now().UnixMilli(),
	}, h.clock.Now()))
	h.waitEvent(t, events.NameFieldUpdate, 1)

	s, _ := h.c.Session("doc-1")
	v, ok := s.Value("title")
	require.True(t, ok)
	assert.Equal(t, "Q3 budget", v)

	ev := h.events.named(events.NameFieldUpdate)[0].(collab.FieldUpdated)
	assert.True(t, ev.Remote)
	assert.Equal(t, "bob", ev.UserID)
}

func TestLeaveStopsApplyingRemoteChanges(t *testing.T) {
	h := newClient(t, nil)
	h.presence(t, protocol.KindUserJoined, protocol.PresencePayload{UserID: "bob", ResourceID: "doc-1"})
	h.waitEvent(t, events.NameUserJoined, 1)
	s, ok := h.c.Session("doc-1")
	require.True(t, ok)
	require.Equal(t, []string{"alice", "bob"}, s.Participants())

	require.NoError(t, h.c.Leave(context.Background(), "doc-1"))
	_, ok = h.c.Session("doc-1")
	assert.False(t, ok)
	assert.Empty(t, s.Participants())
	require.Len(t, h.sent(t, protocol.KindUserLeft), 1)

	h.conn.deliver(newMessage(t, protocol.KindFieldUpdate, "bob", docSession, protocol.FieldUpdatePayload{
		ResourceID: "doc-1",
		ChangeID:   "bob-1",
		FieldID:    "title",
		NewValue:   "after leave",
		AppliedAt:  h.clock.Now().UnixMilli(),
	}, h.clock.Now()))
	h.conn.deliver(newMessage(t, protocol.KindNotification, "bob", "", protocol.NotificationPayload{Body: "done"}, h.clock.Now()))
	h.waitEvent(t, events.NameNotification, 1)

	assert.Zero(t, h.events.count(events.NameFieldUpdate))
	_, ok = s.Value("title")
	assert.False(t, ok)
	assert.ErrorIs(t, h.c.Leave(context.Background(), "doc-1"), ErrNotJoined)
}

func TestConcurrentEditResolvesToLastWriter(t *testing.T) {
	h := newClient(t, nil)
	base := h.clock.Now()

	mine, err := h.c.ProposeChange(context.Background(), "doc-1", "amount", 500.0)
	require.NoError(t, err)
	require.Equal(t, collab.StatusApplied, mine.Status)
	require.Len(t, h.sent(t, protocol.KindFieldUpdate), 1)

	h.conn.deliver(newMessage(t, protocol.KindFieldUpdate, "bob", docSession, protocol.FieldUpdatePayload{
		ResourceID: "doc-1",
		ChangeID:   "bob-1",
		FieldID:    "amount",
		NewValue:   700.0,
		AppliedAt:  base.Add(5 * time.Millisecond).UnixMilli(),
	}, h.clock.Now()))
	h.waitEvent(t, events.NameConflictResolution, 1)

	s, _ := h.c.Session("doc-1")
	v, _ := s.Value("amount")
	assert.Equal(t, 700.0, v)

	got, ok := s.Change(mine.ID)
	require.True(t, ok)
	assert.Equal(t, collab.StatusRejected, got.Status)

	require.Eventually(t, func() bool {
		return len(h.sent(t, protocol.KindConflictResolution)) == 1
	}, waitFor, tick)
	var res protocol.ConflictResolutionPayload
	require.NoError(t, h.sent(t, protocol.KindConflictResolution)[0].DecodePayload(&res))
	assert.Equal(t, "bob-1", res.WinnerChangeID)
	assert.Equal(t, string(collab.ResolutionLastWriterWins), res.Resolution)
	assert.Equal(t, collab.ConflictID(mine.ID, "bob-1"), res.ConflictID)
}

func TestRemoteLockBlocksUntilHolderLeaves(t *testing.T) {
	h := newClient(t, nil)

	h.presence(t, protocol.KindUserPresence, protocol.PresencePayload{
		UserID:     "bob",
		ResourceID: "doc-1",
		Lock:       &protocol.FieldLock{FieldID: "amount", Held: true},
	})
	h.waitEvent(t, events.NameUserPresence, 1)

	_, err := h.c.ProposeChange(context.Background(), "doc-1", "amount", 1.0)
	var lockErr *collab.LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "bob", lockErr.Holder)
	assert.ErrorIs(t, h.c.LockField(context.Background(), "doc-1", "amount"), collab.ErrFieldLocked)

	h.presence(t, protocol.KindUserLeft, protocol.PresencePayload{UserID: "bob", ResourceID: "doc-1"})
	h.waitEvent(t, events.NameUserLeft, 1)

	_, err = h.c.ProposeChange(context.Background(), "doc-1", "amount", 2.0)
	assert.NoError(t, err)
}

func TestLocalLockIsAnnounced(t *testing.T) {
	h := newClient(t, nil)
	require.NoError(t, h.c.LockField(context.Background(), "doc-1", "amount"))
	require.NoError(t, h.c.UnlockField(context.Background(), "doc-1", "amount"))

	msgs := h.sent(t, protocol.KindUserPresence)
	require.Len(t, msgs, 2)
	var p protocol.PresencePayload
	require.NoError(t, msgs[0].DecodePayload(&p))
	require.NotNil(t, p.Lock)
	assert.Equal(t, protocol.FieldLock{FieldID: "amount", Held: true}, *p.Lock)
	require.NoError(t, msgs[1].DecodePayload(&p))
	assert.False(t, p.Lock.Held)
}

func TestPassThroughEvents(t *testing.T) {
	h := newClient(t, nil)

	op := json.RawMessage(`{"insert":"hi","at":3}`)
	h.conn.deliver(newMessage(t, protocol.KindTextEdit, "bob", docSession, op, h.clock.Now()))
	h.conn.deliver(newMessage(t, protocol.KindAlert, "relay", "", protocol.NotificationPayload{Level: "warn", Body: "maintenance"}, h.clock.Now()))
	h.conn.deliver(newMessage(t, protocol.KindError, "relay", "", protocol.ErrorPayload{Code: protocol.ErrCodeRateLimited, Message: "slow down"}, h.clock.Now()))

	h.waitEvent(t, events.NameError, 1)
	require.Equal(t, 1, h.events.count(events.NameTextEdit))
	assert.JSONEq(t, string(op), string(h.events.named(events.NameTextEdit)[0].(TextEdit).Payload))
	require.Equal(t, 1, h.events.count(events.NameAlert))
	assert.Equal(t, "maintenance", h.events.named(events.NameAlert)[0].(Alert).Body)

	ev := h.events.named(events.NameError)[0].(events.Error)
	assert.Equal(t, "remote", ev.Source)
	assert.Equal(t, "RateLimited", ev.Op)
	var ep *protocol.ErrorPayload
	require.True(t, errors.As(ev, &ep))
	assert.Equal(t, "slow down", ep.Message)
}

func TestSendTextEdit(t *testing.T) {
	h := newClient(t, nil)
	require.NoError(t, h.c.SendTextEdit(context.Background(), "doc-1", json.RawMessage(`{"delete":1}`)))
	msgs := h.sent(t, protocol.KindTextEdit)
	require.Len(t, msgs, 1)
	assert.Equal(t, docSession, msgs[0].SessionID())
	assert.JSONEq(t, `{"delete":1}`, string(msgs[0].Payload()))

	assert.ErrorIs(t, h.c.SendDataSync(context.Background(), "doc-2", json.RawMessage(`{}`)), ErrNotJoined)
}

func TestIntentsRequireJoin(t *testing.T) {
	h := newClient(t, nil)
	ctx := context.Background()

	_, err := h.c.ProposeChange(ctx, "doc-2", "amount", 1)
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.ErrorIs(t, h.c.LockField(ctx, "doc-2", "amount"), ErrNotJoined)
	assert.ErrorIs(t, h.c.UpdateCursor(ctx, "doc-2", protocol.Cursor{}), ErrNotJoined)
	assert.ErrorIs(t, h.c.Leave(ctx, "doc-2"), ErrNotJoined)

	require.NoError(t, h.c.Leave(ctx, "doc-1"))
	_, err = h.c.ProposeChange(ctx, "doc-1", "amount", 1)
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Len(t, h.sent(t, protocol.KindUserLeft), 1)
}

func TestDisabledFeatures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePresence = false
	cfg.EnableCollaboration = false
	h := newClient(t, cfg)
	ctx := context.Background()

	_, err := h.c.Join(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrCollaborationDisabled)
	assert.ErrorIs(t, h.c.UpdateCursor(ctx, "doc-1", protocol.Cursor{}), ErrPresenceDisabled)

	h.presence(t, protocol.KindUserJoined, protocol.PresencePayload{UserID: "bob"})
	h.conn.deliver(newMessage(t, protocol.KindNotification, "relay", "", protocol.NotificationPayload{Body: "x"}, h.clock.Now()))
	h.waitEvent(t, events.NameNotification, 1)

	_, ok := h.c.GetUserPresence("bob")
	assert.False(t, ok)
}

func TestDisconnectMarksPresenceOfflineAndRejoins(t *testing.T) {
	h := newClient(t, nil)
	h.presence(t, protocol.KindUserJoined, protocol.PresencePayload{UserID: "bob", ResourceID: "doc-1"})
	h.waitEvent(t, events.NameUserJoined, 1)

	h.conn.drop(errReset)
	require.Eventually(t, func() bool { return !h.c.presence.IsOnline("bob") }, waitFor, tick)

	require.Eventually(t, func() bool { return h.c.GetConnectionStatus().State == StateReconnecting }, waitFor, tick)
	h.clock.Advance(time.Second)

	var conn2 *fakeConn
	require.Eventually(t, func() bool {
		conn2 = h.dialer.conn(1)
		return conn2 != nil && len(conn2.written(t)) == 2
	}, waitFor, tick)
	assert.Equal(t, []protocol.Kind{protocol.KindReconnect, protocol.KindUserJoined}, conn2.writtenKinds(t))
}

func TestShutdownAnnouncesLeave(t *testing.T) {
	h := newClient(t, nil)
	require.NoError(t, h.c.Shutdown(context.Background()))

	kinds := h.conn.writtenKinds(t)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, protocol.KindUserLeft, kinds[len(kinds)-2])
	assert.Equal(t, protocol.KindDisconnect, kinds[len(kinds)-1])
	assert.ErrorIs(t, h.c.Connect(), ErrClosed)
}
