// Package client is the collaboration sync client: a persistent connection
// to a relay with reconnect and heartbeat, presence tracking of
// collaborators, and conflict-aware field editing.
//
// A Client wires a connection Manager to a presence Registry and a collab
// Manager and routes every inbound message by kind. Observers subscribe to
// the typed events on Events():
//
//	c, err := client.New(nil, client.Identity{UserID: "u1", Token: tok},
//		client.WithURL("wss://example.com/ws"))
//	if err != nil {
//		return err
//	}
//	events.Subscribe(c.Events(), func(ev collab.FieldUpdated) {
//		render(ev.FieldID, ev.Value)
//	})
//	if err := c.Connect(); err != nil {
//		return err
//	}
//	defer c.Shutdown(context.Background())
//
//	if _, err := c.Join(ctx, "doc-1"); err != nil {
//		return err
//	}
//	_, err = c.ProposeChange(ctx, "doc-1", "amount", 100)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/vango-dev/collabsync/pkg/collab"
	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/metrics"
	"github.com/vango-dev/collabsync/pkg/presence"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

// Client is the collaboration sync client. It is safe for concurrent use.
type Client struct {
	cfg      *Config
	identity Identity
	logger   *slog.Logger
	metrics  *metrics.Collector

	conn       *Manager
	dispatcher *events.Dispatcher
	presence   *presence.Registry
	collab     *collab.Manager
}

// New creates a disconnected Client. A nil cfg uses DefaultConfig. A
// transport must be supplied with WithURL or WithDialer.
func New(cfg *Config, identity Identity, opts ...Option) (*Client, error) {
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
	cfg = cfg.Clone()

	c := &Client{
		cfg:        cfg,
		identity:   identity,
		logger:     o.logger.With("component", "client", "user", identity.UserID),
		metrics:    o.metrics,
		dispatcher: o.dispatcher,
		presence:   presence.NewRegistry(o.logger),
	}
	c.conn = newManager(cfg, identity, o)
	c.collab = collab.NewManager(collab.Config{
		LocalUserID:    identity.UserID,
		ConflictWindow: cfg.ConflictWindow,
		Resolver:       o.resolver,
		Presence:       localOnline{user: identity.UserID, registry: c.presence},
		Publisher:      c,
		Events:         c.dispatcher,
		Clock:          o.clock,
		Logger:         o.logger,
		Tracer:         o.tracer,
	})

	c.conn.OnMessage(c.route)
	events.Subscribe(c.dispatcher, func(ev collab.ConflictResolved) {
		c.metrics.ConflictResolved(string(ev.Conflict.Resolution))
	})
	events.Subscribe(c.dispatcher, func(ev Disconnected) {
		if n := c.presence.MarkAllOffline(); n > 0 {
			c.logger.Debug("collaborators marked offline", "count", n)
		}
	})
	events.Subscribe(c.dispatcher, func(ev Connected) {
		if ev.Reconnect {
			c.announceSessions()
		}
	})
	return c, nil
}

// Connect starts connecting in the background.
func (c *Client) Connect() error {
	return c.conn.Connect()
}

// Shutdown announces departure from joined sessions if connected and closes
// the connection. It is idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	for _, s := range c.joinedSessions() {
		msg, err := c.presenceMessage(protocol.KindUserLeft, s, nil, nil)
		if err == nil {
			err = c.conn.SendControl(msg)
		}
		if err != nil {
			break
		}
	}
	return c.conn.Shutdown(ctx)
}

// Events returns the dispatcher every event is emitted on.
func (c *Client) Events() *events.Dispatcher {
	return c.dispatcher
}

// Publish sends a message on behalf of the local user. It implements
// collab.Publisher.
func (c *Client) Publish(ctx context.Context, sessionID string, kind protocol.Kind, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := protocol.NewMessage(kind, c.identity.UserID, sessionID, payload, c.conn.clock.Now())
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// Join enters the session for resourceID and announces the local user.
func (c *Client) Join(ctx context.Context, resourceID string) (*collab.Session, error) {
	if !c.cfg.EnableCollaboration {
		return nil, ErrCollaborationDisabled
	}
	s, err := c.collab.Join(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	msg, err := c.presenceMessage(protocol.KindUserJoined, s, nil, nil)
	if err != nil {
		return s, err
	}
	return s, c.conn.Send(msg)
}

// Leave announces departure from resourceID and leaves its session.
func (c *Client) Leave(ctx context.Context, resourceID string) error {
	if !c.cfg.EnableCollaboration {
		return ErrCollaborationDisabled
	}
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	msg, err := c.presenceMessage(protocol.KindUserLeft, s, nil, nil)
	if err != nil {
		return err
	}
	if err := c.conn.Send(msg); err != nil {
		return err
	}
	if err := c.collab.Leave(ctx, resourceID); errors.Is(err, collab.ErrNoSession) {
		return ErrNotJoined
	} else if err != nil {
		return err
	}
	return nil
}

// Session returns the joined session for resourceID.
func (c *Client) Session(resourceID string) (*collab.Session, bool) {
	s, err := c.session(resourceID)
	return s, err == nil
}

// ProposeChange sets fieldID on resourceID and publishes the change.
func (c *Client) ProposeChange(ctx context.Context, resourceID, fieldID string, value any) (collab.Change, error) {
	s, err := c.session(resourceID)
	if err != nil {
		return collab.Change{}, err
	}
	return s.ProposeChange(ctx, fieldID, value)
}

// LockField takes the advisory lock on a field.
func (c *Client) LockField(ctx context.Context, resourceID, fieldID string) error {
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	return s.LockField(ctx, fieldID)
}

// UnlockField releases the advisory lock on a field.
func (c *Client) UnlockField(ctx context.Context, resourceID, fieldID string) error {
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	return s.UnlockField(ctx, fieldID)
}

// UpdateCursor publishes the local cursor position in resourceID.
func (c *Client) UpdateCursor(ctx context.Context, resourceID string, cursor protocol.Cursor) error {
	if !c.cfg.EnablePresence {
		return ErrPresenceDisabled
	}
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	msg, err := c.presenceMessage(protocol.KindCursorMove, s, &cursor, nil)
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// UpdateSelection publishes the local selection in resourceID.
func (c *Client) UpdateSelection(ctx context.Context, resourceID string, sel protocol.Selection) error {
	if !c.cfg.EnablePresence {
		return ErrPresenceDisabled
	}
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	msg, err := c.presenceMessage(protocol.KindSelectionChange, s, nil, &sel)
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// SendTextEdit publishes an opaque text operation to resourceID's session.
func (c *Client) SendTextEdit(ctx context.Context, resourceID string, op json.RawMessage) error {
	return c.sendRaw(ctx, protocol.KindTextEdit, resourceID, op)
}

// SendDataSync publishes an opaque bulk payload to resourceID's session.
func (c *Client) SendDataSync(ctx context.Context, resourceID string, data json.RawMessage) error {
	return c.sendRaw(ctx, protocol.KindDataSync, resourceID, data)
}

func (c *Client) sendRaw(ctx context.Context, kind protocol.Kind, resourceID string, payload json.RawMessage) error {
	s, err := c.session(resourceID)
	if err != nil {
		return err
	}
	return c.Publish(ctx, s.ID(), kind, payload)
}

// GetPresence returns every online collaborator.
func (c *Client) GetPresence() []presence.Record {
	return c.presence.ListOnline("")
}

// GetUserPresence returns the record for one collaborator.
func (c *Client) GetUserPresence(userID string) (presence.Record, bool) {
	return c.presence.Get(userID)
}

// GetConnectionStatus returns a snapshot of the connection.
func (c *Client) GetConnectionStatus() Status {
	return c.conn.Status()
}

func (c *Client) session(resourceID string) (*collab.Session, error) {
	s, ok := c.collab.Session(resourceID)
	if !ok || !s.HasParticipant(c.identity.UserID) {
		return nil, ErrNotJoined
	}
	return s, nil
}

func (c *Client) joinedSessions() []*collab.Session {
	var out []*collab.Session
	for _, s := range c.collab.Sessions() {
		if s.HasParticipant(c.identity.UserID) {
			out = append(out, s)
		}
	}
	return out
}

// announceSessions repeats USER_JOINED for every joined session so peers
// that dropped the local user while it was away see it again.
func (c *Client) announceSessions() {
	for _, s := range c.joinedSessions() {
		msg, err := c.presenceMessage(protocol.KindUserJoined, s, nil, nil)
		if err == nil {
			err = c.conn.Send(msg)
		}
		if err != nil {
			c.logger.Warn("rejoin announcement failed", "resource", s.ResourceID(), "error", err)
			return
		}
	}
}

func (c *Client) presenceMessage(kind protocol.Kind, s *collab.Session, cursor *protocol.Cursor, sel *protocol.Selection) (protocol.Message, error) {
	return protocol.NewMessage(kind, c.identity.UserID, s.ID(), protocol.PresencePayload{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		Role:        c.identity.Role,
		ResourceID:  s.ResourceID(),
		Cursor:      cursor,
		Selection:   sel,
	}, c.conn.clock.Now())
}

// route handles one inbound message. It runs on the connection's reader
// goroutine.
func (c *Client) route(msg protocol.Message) {
	switch kind := msg.Kind(); {
	case kind.IsPresence():
		c.routePresence(msg)

	case kind == protocol.KindFieldUpdate:
		c.routeFieldUpdate(msg)

	case kind == protocol.KindConflictResolution:
		c.routeResolution(msg)

	case kind == protocol.KindTextEdit:
		c.dispatcher.Emit(TextEdit{SenderID: msg.SenderID(), SessionID: msg.SessionID(), Payload: msg.Payload()})

	case kind == protocol.KindDataSync:
		c.dispatcher.Emit(DataSync{SenderID: msg.SenderID(), SessionID: msg.SessionID(), Payload: msg.Payload()})

	case kind == protocol.KindNotification, kind == protocol.KindAlert:
		var p protocol.NotificationPayload
		if err := msg.DecodePayload(&p); err != nil {
			c.dropped(msg, err)
			return
		}
		if kind == protocol.KindAlert {
			c.dispatcher.Emit(Alert{SenderID: msg.SenderID(), NotificationPayload: p})
		} else {
			c.dispatcher.Emit(Notification{SenderID: msg.SenderID(), NotificationPayload: p})
		}

	case kind == protocol.KindError:
		var ep protocol.ErrorPayload
		if err := msg.DecodePayload(&ep); err != nil {
			c.dropped(msg, err)
			return
		}
		c.logger.Error("error reported by peer", "code", ep.Code, "message", ep.Message, "fatal", ep.Fatal)
		c.dispatcher.Emit(events.Error{Source: "remote", Op: ep.Code.String(), Err: &ep})

	default:
		c.logger.Debug("ignoring message", "kind", kind, "sender", msg.SenderID())
	}
}

func (c *Client) routePresence(msg protocol.Message) {
	if !c.cfg.EnablePresence {
		return
	}
	u, err := presence.UpdateFromMessage(msg)
	if err != nil {
		c.dropped(msg, err)
		return
	}
	if u.UserID == c.identity.UserID {
		return
	}
	rec, ok := c.presence.Apply(u)
	if !ok {
		return
	}

	if c.cfg.EnableCollaboration {
		c.trackParticipant(msg, u)
	}

	sid := msg.SessionID()
	switch u.Kind {
	case protocol.KindUserJoined:
		c.dispatcher.Emit(UserJoined{SessionID: sid, Record: rec})
	case protocol.KindUserLeft:
		c.dispatcher.Emit(UserLeft{SessionID: sid, Record: rec})
	case protocol.KindCursorMove:
		c.dispatcher.Emit(CursorMove{SessionID: sid, Record: rec})
	case protocol.KindSelectionChange:
		c.dispatcher.Emit(SelectionChange{SessionID: sid, Record: rec})
	default:
		c.dispatcher.Emit(UserPresence{SessionID: sid, Record: rec})
	}
}

// trackParticipant mirrors a presence update into the matching session's
// participants and lock table.
func (c *Client) trackParticipant(msg protocol.Message, u presence.Update) {
	if u.Kind == protocol.KindUserLeft && msg.SessionID() == "" && u.ResourceID == "" {
		for _, s := range c.collab.Sessions() {
			c.collab.RemoveParticipant(s.ID(), u.UserID)
		}
		return
	}

	s, ok := c.lookup(msg.SessionID(), u.ResourceID)
	if !ok {
		return
	}
	switch u.Kind {
	case protocol.KindUserLeft:
		c.collab.RemoveParticipant(s.ID(), u.UserID)
		return
	default:
		c.collab.AddParticipant(s.ID(), u.UserID)
	}
	if u.Lock != nil {
		s.ApplyRemoteLock(u.UserID, u.Lock.FieldID, u.Lock.Held)
	}
}

func (c *Client) routeFieldUpdate(msg protocol.Message) {
	if !c.cfg.EnableCollaboration {
		return
	}
	var p protocol.FieldUpdatePayload
	if err := msg.DecodePayload(&p); err != nil {
		c.dropped(msg, err)
		return
	}
	s, ok := c.lookup(msg.SessionID(), p.ResourceID)
	if !ok {
		c.logger.Debug("field update for unknown session", "session", msg.SessionID(), "resource", p.ResourceID)
		return
	}
	if _, err := s.ApplyRemote(context.Background(), collab.ChangeFromPayload(msg.SenderID(), p)); err != nil {
		c.logger.Warn("remote change rejected", "change", p.ChangeID, "sender", msg.SenderID(), "error", err)
	}
}

func (c *Client) routeResolution(msg protocol.Message) {
	if !c.cfg.EnableCollaboration {
		return
	}
	var p protocol.ConflictResolutionPayload
	if err := msg.DecodePayload(&p); err != nil {
		c.dropped(msg, err)
		return
	}
	s, ok := c.lookup(msg.SessionID(), p.ResourceID)
	if !ok {
		return
	}
	s.ApplyResolution(context.Background(), p)
}

func (c *Client) lookup(sessionID, resourceID string) (*collab.Session, bool) {
	if sessionID != "" {
		if s, ok := c.collab.SessionByID(sessionID); ok {
			return s, true
		}
	}
	if resourceID != "" {
		return c.collab.Session(resourceID)
	}
	return nil, false
}

func (c *Client) dropped(msg protocol.Message, err error) {
	c.metrics.DecodeError()
	c.logger.Warn("dropping malformed payload", "kind", msg.Kind(), "sender", msg.SenderID(), "error", err)
}

// localOnline reports the local user as online and defers to the registry
// for everyone else.
type localOnline struct {
	user     string
	registry *presence.Registry
}

func (p localOnline) IsOnline(userID string) bool {
	return userID == p.user || p.registry.IsOnline(userID)
}
