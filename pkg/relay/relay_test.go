package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/collabsync/pkg/client"
	"github.com/vango-dev/collabsync/pkg/collab"
	"github.com/vango-dev/collabsync/pkg/metrics"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var base = time.UnixMilli(1_700_000_000_000)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, cfg *Config) (*Server, *httptest.Server, string) {
	t.Helper()
	srv, err := New(cfg, WithLogger(discardLogger()), WithMetrics(metrics.New(metrics.WithSubsystem("relay"))))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts, "ws" + strings.TrimPrefix(ts.URL, "http") + srv.Config().Path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, kind protocol.Kind, sender, session string, payload any, at time.Time) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(kind, sender, session, payload, at)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(msg)))
	return msg
}

func receive(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func join(t *testing.T, srv *Server, conn *websocket.Conn, user, session string, members ...string) protocol.Message {
	t.Helper()
	msg := send(t, conn, protocol.KindUserJoined, user, session, protocol.PresencePayload{UserID: user, ResourceID: "doc-1"}, base)
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(members, srv.Members(session)) }, waitFor, tick)
	return msg
}

func TestConfigDefaults(t *testing.T) {
	srv, err := New(&Config{Address: ":9000"})
	require.NoError(t, err)
	cfg := srv.Config()
	assert.Equal(t, ":9000", cfg.Address)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.NotNil(t, cfg.CheckOrigin)

	_, err = New(&Config{Path: "ws"})
	assert.Error(t, err)
	_, err = New(&Config{PingInterval: time.Minute, PongWait: time.Second})
	assert.Error(t, err)
}

func TestSameOriginCheck(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://relay.example/ws", nil)
	assert.True(t, SameOriginCheck(r))

	r.Header.Set("Origin", "http://relay.example")
	assert.True(t, SameOriginCheck(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, SameOriginCheck(r))
}

func TestCrossOriginUpgradeRejected(t *testing.T) {
	_, _, url := startRelay(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, ts, url := startRelay(t, nil)
	dial(t, url)
	require.Eventually(t, func() bool { return srv.Peers() == 1 }, waitFor, tick)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["peers"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "collabsync_relay_connections 1")
}

func TestPingIsAnswered(t *testing.T) {
	_, _, url := startRelay(t, nil)
	conn := dial(t, url)

	ping := protocol.PingPayload{Nonce: 9, SentAt: 1234}
	send(t, conn, protocol.KindPing, "alice", "", ping, base)

	msg := receive(t, conn)
	require.Equal(t, protocol.KindPong, msg.Kind())
	var pong protocol.PingPayload
	require.NoError(t, msg.DecodePayload(&pong))
	assert.Equal(t, ping, pong)
}

func TestUndecodableMessageGetsError(t *testing.T) {
	_, _, url := startRelay(t, nil)
	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x01}))

	msg := receive(t, conn)
	require.Equal(t, protocol.KindError, msg.Kind())
	var ep protocol.ErrorPayload
	require.NoError(t, msg.DecodePayload(&ep))
	assert.Equal(t, protocol.ErrCodeInvalidFrame, ep.Code)

	// The connection survives.
	send(t, conn, protocol.KindPing, "alice", "", protocol.PingPayload{Nonce: 1}, base)
	assert.Equal(t, protocol.KindPong, receive(t, conn).Kind())
}

func TestSessionFanOut(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	a, b, c := dial(t, url), dial(t, url), dial(t, url)

	joinA := join(t, srv, a, "alice", "s1", "alice")
	joinB := join(t, srv, b, "bob", "s1", "alice", "bob")
	join(t, srv, c, "carol", "s2", "carol")

	// Newcomers see the members already present. alice sent nothing after
	// joining, so her announcement is replayed unchanged.
	replay := receive(t, b)
	assert.Equal(t, joinA.ID(), replay.ID())
	assert.Equal(t, joinA.Timestamp(), replay.Timestamp())
	assert.Equal(t, joinB.ID(), receive(t, a).ID())

	// Session-less traffic reaches everyone else.
	note := send(t, c, protocol.KindNotification, "carol", "", protocol.NotificationPayload{Body: "hi"}, base)
	assert.Equal(t, note.ID(), receive(t, a).ID())
	assert.Equal(t, note.ID(), receive(t, b).ID())

	update := send(t, a, protocol.KindFieldUpdate, "alice", "s1", protocol.FieldUpdatePayload{
		ResourceID: "doc-1", ChangeID: "c1", FieldID: "amount", NewValue: 1, AppliedAt: base.UnixMilli(),
	}, base)
	got := receive(t, b)
	assert.Equal(t, update.ID(), got.ID())
	assert.Equal(t, protocol.KindFieldUpdate, got.Kind())

	assert.Equal(t, []string{"s1", "s2"}, srv.Sessions())

	// A timed-out read leaves the connection unusable, so these go last.
	assertSilent(t, c)
	assertSilent(t, a)
}

func TestReplayCarriesMembersNewestTimestamp(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	b, c := dial(t, url), dial(t, url)

	joinB := join(t, srv, b, "bob", "s1", "bob")
	moved := base.Add(60 * time.Millisecond)
	send(t, b, protocol.KindCursorMove, "bob", "s1", protocol.PresencePayload{UserID: "bob", Cursor: &protocol.Cursor{Line: 4}}, moved)
	// Messages from one peer are handled in order, so the pong means the
	// cursor move has been seen.
	send(t, b, protocol.KindPing, "bob", "", protocol.PingPayload{Nonce: 1}, moved)
	require.Equal(t, protocol.KindPong, receive(t, b).Kind())

	join(t, srv, c, "carol", "s1", "bob", "carol")
	replay := receive(t, c)
	assert.Equal(t, protocol.KindUserJoined, replay.Kind())
	assert.Equal(t, joinB.ID(), replay.ID())
	assert.Equal(t, "bob", replay.SenderID())
	assert.Equal(t, moved.UnixMilli(), replay.TimestampMillis())
	assert.JSONEq(t, string(joinB.Payload()), string(replay.Payload()))
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	a, b := dial(t, url), dial(t, url)

	join(t, srv, a, "alice", "s1", "alice")
	join(t, srv, b, "bob", "s1", "alice", "bob")
	receive(t, b) // alice's announcement
	receive(t, a) // bob's announcement

	last := base.Add(3 * time.Second)
	send(t, a, protocol.KindCursorMove, "alice", "s1", protocol.PresencePayload{UserID: "alice", Cursor: &protocol.Cursor{Line: 2}}, last)
	assert.Equal(t, protocol.KindCursorMove, receive(t, b).Kind())

	require.NoError(t, a.Close())

	left := receive(t, b)
	require.Equal(t, protocol.KindUserLeft, left.Kind())
	assert.Equal(t, "alice", left.SenderID())
	assert.Equal(t, "s1", left.SessionID())
	assert.Equal(t, last.UnixMilli(), left.TimestampMillis())
	var p protocol.PresencePayload
	require.NoError(t, left.DecodePayload(&p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "doc-1", p.ResourceID)

	require.Eventually(t, func() bool { return srv.Peers() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"bob"}, srv.Members("s1"))
}

func TestShutdownSendsGoingAway(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return srv.Peers() == 1 }, waitFor, tick)

	require.NoError(t, srv.Shutdown(context.Background()))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func newTestClient(t *testing.T, url, user string, at time.Time) *client.Client {
	t.Helper()
	c, err := client.New(nil, client.Identity{UserID: user, DisplayName: strings.ToUpper(user[:1]) + user[1:]},
		client.WithURL(url),
		client.WithClock(clockwork.NewFakeClockAt(at)),
		client.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestClientsConvergeOnConcurrentEdit(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	ctx := context.Background()

	alice := newTestClient(t, url, "alice", base.Add(100*time.Millisecond))
	bob := newTestClient(t, url, "bob", base.Add(105*time.Millisecond))
	for _, c := range []*client.Client{alice, bob} {
		_, err := c.Join(ctx, "doc-1")
		require.NoError(t, err)
		require.NoError(t, c.Connect())
	}

	sid := collab.SessionID("doc-1")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, srv.Members(sid))
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		a, _ := alice.GetUserPresence("bob")
		b, _ := bob.GetUserPresence("alice")
		return a.Online && b.Online
	}, waitFor, tick)

	ca, err := alice.ProposeChange(ctx, "doc-1", "amount", 500.0)
	require.NoError(t, err)
	cb, err := bob.ProposeChange(ctx, "doc-1", "amount", 700.0)
	require.NoError(t, err)

	conflictID := collab.ConflictID(ca.ID, cb.ID)
	for _, c := range []*client.Client{alice, bob} {
		s, ok := c.Session("doc-1")
		require.True(t, ok)
		require.Eventually(t, func() bool {
			v, _ := s.Value("amount")
			cf, ok := s.Conflict(conflictID)
			return v == 700.0 && ok && cf.Resolution.Terminal()
		}, waitFor, tick)

		cf, _ := s.Conflict(conflictID)
		assert.Equal(t, collab.ResolutionLastWriterWins, cf.Resolution)
		assert.Equal(t, cb.ID, cf.WinnerID)
		lost, _ := s.Change(ca.ID)
		assert.Equal(t, collab.StatusRejected, lost.Status)
	}

	require.NoError(t, bob.Shutdown(ctx))
	require.Eventually(t, func() bool {
		rec, ok := alice.GetUserPresence("bob")
		return ok && !rec.Online
	}, waitFor, tick)
}

func TestReconnectedClientSeesStayingPeerOnline(t *testing.T) {
	srv, _, url := startRelay(t, nil)
	ctx := context.Background()
	sid := collab.SessionID("doc-1")

	var (
		mu  sync.Mutex
		raw []net.Conn
	)
	dialer := &client.WebSocketDialer{
		URL: url,
		Dialer: &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
				if err == nil {
					mu.Lock()
					raw = append(raw, conn)
					mu.Unlock()
				}
				return conn, err
			},
		},
	}
	clock := clockwork.NewFakeClockAt(base.Add(100 * time.Millisecond))
	alice, err := client.New(nil, client.Identity{UserID: "alice"},
		client.WithDialer(dialer),
		client.WithClock(clock),
		client.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { alice.Shutdown(context.Background()) })

	_, err = alice.Join(ctx, "doc-1")
	require.NoError(t, err)
	require.NoError(t, alice.Connect())
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual([]string{"alice"}, srv.Members(sid)) }, waitFor, tick)

	bob := dial(t, url)
	join(t, srv, bob, "bob", sid, "alice", "bob")
	moved := base.Add(60 * time.Millisecond)
	send(t, bob, protocol.KindCursorMove, "bob", sid, protocol.PresencePayload{
		UserID: "bob", ResourceID: "doc-1", Cursor: &protocol.Cursor{Line: 1, Column: 2},
	}, moved)
	require.Eventually(t, func() bool {
		rec, ok := alice.GetUserPresence("bob")
		return ok && rec.Online && rec.Cursor != nil
	}, waitFor, tick)

	mu.Lock()
	require.Len(t, raw, 1)
	require.NoError(t, raw[0].Close())
	mu.Unlock()

	require.Eventually(t, func() bool {
		rec, _ := alice.GetUserPresence("bob")
		return alice.GetConnectionStatus().State == client.StateReconnecting && !rec.Online
	}, waitFor, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		st := alice.GetConnectionStatus()
		return st.State == client.StateConnected && st.Connections == 2
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		rec, ok := alice.GetUserPresence("bob")
		return ok && rec.Online
	}, waitFor, tick)
	rec, _ := alice.GetUserPresence("bob")
	assert.Equal(t, moved.UnixMilli(), rec.LastSeenAt.UnixMilli())
	require.NotNil(t, rec.Cursor)
	assert.Equal(t, 1, rec.Cursor.Line)

	s, ok := alice.Session("doc-1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, s.ActiveUsers())
}
