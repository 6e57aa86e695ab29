package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collabsync/pkg/protocol"
)

const relaySender = "relay"

type outbound struct {
	data []byte
	kind protocol.Kind
}

// peer is one client connection. readLoop runs on the HTTP handler
// goroutine; writeLoop owns every data write.
type peer struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan outbound
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu       sync.Mutex
	userID   string
	lastAt   int64             // newest envelope timestamp seen, Unix ms
	sessions map[string]string // session -> resource
}

func newPeer(s *Server, conn *websocket.Conn, requestID string) *peer {
	return &peer{
		srv:      s,
		conn:     conn,
		send:     make(chan outbound, s.cfg.SendBuffer),
		done:     make(chan struct{}),
		logger:   s.logger.With("peer", requestID),
		sessions: make(map[string]string),
	}
}

func (p *peer) user() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

func (p *peer) lastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastAt == 0 {
		return p.srv.now()
	}
	return time.UnixMilli(p.lastAt)
}

// lastMillis returns the newest envelope timestamp seen from p, or 0.
func (p *peer) lastMillis() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAt
}

func (p *peer) joined() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.sessions))
	for k, v := range p.sessions {
		out[k] = v
	}
	return out
}

func (p *peer) observe(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userID == "" && msg.SenderID() != "" {
		p.userID = msg.SenderID()
	}
	if ts := msg.TimestampMillis(); ts > p.lastAt {
		p.lastAt = ts
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// goAway sends a going-away close frame and closes the connection.
func (p *peer) goAway(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.close()
}

// enqueue hands data to the write loop. A peer that cannot keep up is
// disconnected.
func (p *peer) enqueue(data []byte, kind protocol.Kind) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- outbound{data: data, kind: kind}:
		return true
	default:
		p.logger.Warn("send buffer full, dropping peer", "user", p.user(), "buffer", cap(p.send))
		p.close()
		return false
	}
}

func (p *peer) readLoop() {
	defer p.close()

	p.conn.SetReadLimit(p.srv.cfg.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.srv.cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.srv.cfg.PongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				p.logger.Error("read error", "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(p.srv.cfg.PongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("dropping undecodable message", "error", err, "bytes", len(data))
			p.srv.metrics.DecodeError()
			p.reply(protocol.KindError, protocol.ErrorPayload{
				Code:    protocol.ErrCodeInvalidFrame,
				Message: err.Error(),
			})
			continue
		}
		p.srv.metrics.MessageReceived(msg.Kind())
		p.handle(msg, data)
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(p.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case out := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.srv.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, out.data); err != nil {
				p.logger.Debug("write error", "error", err)
				return
			}
			p.srv.metrics.MessageSent(out.kind)

		case <-ticker.C:
			deadline := time.Now().Add(p.srv.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.logger.Debug("ping error", "error", err)
				return
			}

		case <-p.done:
			return
		}
	}
}

// handle routes one decoded message.
func (p *peer) handle(msg protocol.Message, data []byte) {
	p.observe(msg)
	sid := msg.SessionID()

	_, span := p.srv.tracer.Start(context.Background(), "relay.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.kind", msg.Kind().String()),
			attribute.String("relay.session", sid),
			attribute.String("relay.sender", msg.SenderID()),
		),
	)
	defer span.End()

	var delivered int
	switch msg.Kind() {
	case protocol.KindConnect, protocol.KindReconnect:
		var hello protocol.ConnectPayload
		if err := msg.DecodePayload(&hello); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Warn("bad connect payload", "error", err)
			return
		}
		if hello.UserID != "" {
			p.mu.Lock()
			p.userID = hello.UserID
			p.mu.Unlock()
		}
		p.logger.Info("peer announced", "user", p.user(), "kind", msg.Kind(), "epoch", hello.Epoch)
		return

	case protocol.KindDisconnect:
		p.logger.Debug("peer said goodbye")
		return

	case protocol.KindPing:
		p.reply(protocol.KindPong, json.RawMessage(msg.Payload()))
		return

	case protocol.KindPong:
		return

	case protocol.KindUserJoined:
		if sid != "" {
			delivered = p.joinSession(msg, data)
			break
		}
		delivered = p.forward(msg, data)

	case protocol.KindUserLeft:
		delivered = p.forward(msg, data)
		if sid != "" {
			p.mu.Lock()
			delete(p.sessions, sid)
			p.mu.Unlock()
			p.srv.leave(p, sid)
		}

	default:
		delivered = p.forward(msg, data)
	}
	span.SetAttributes(attribute.Int("relay.recipients", delivered))
}

func (p *peer) joinSession(msg protocol.Message, data []byte) int {
	var pp protocol.PresencePayload
	if err := msg.DecodePayload(&pp); err != nil {
		p.logger.Warn("bad join payload", "error", err)
		return 0
	}
	p.mu.Lock()
	p.sessions[msg.SessionID()] = pp.ResourceID
	p.mu.Unlock()

	existing, others := p.srv.join(p, msg.SessionID(), data)
	for _, ann := range existing {
		p.enqueue(ann, protocol.KindUserJoined)
	}
	delivered := 0
	for _, m := range others {
		if m.enqueue(data, msg.Kind()) {
			delivered++
		}
	}
	return delivered
}

func (p *peer) forward(msg protocol.Message, data []byte) int {
	delivered := 0
	for _, m := range p.srv.recipients(p, msg.SessionID()) {
		if m.enqueue(data, msg.Kind()) {
			delivered++
		}
	}
	return delivered
}

func (p *peer) reply(kind protocol.Kind, payload any) {
	msg, err := protocol.NewMessage(kind, relaySender, "", payload, p.srv.now())
	if err != nil {
		p.logger.Error("reply failed", "kind", kind, "error", err)
		return
	}
	p.enqueue(protocol.Encode(msg), kind)
}

func userLeft(userID, sessionID, resourceID string, at time.Time) ([]byte, error) {
	msg, err := protocol.NewMessage(protocol.KindUserLeft, userID, sessionID, protocol.PresencePayload{
		UserID:     userID,
		ResourceID: resourceID,
	}, at)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(msg), nil
}

// restamp returns data with its envelope timestamp raised to at. Newer
// envelopes are returned unchanged.
func restamp(data []byte, at int64) ([]byte, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.TimestampMillis() >= at {
		return data, nil
	}
	return protocol.Encode(protocol.NewRawMessage(msg.Kind(), msg.ID(), at,
		msg.SenderID(), msg.SessionID(), msg.Payload())), nil
}
