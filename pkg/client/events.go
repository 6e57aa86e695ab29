package client

import (
	"encoding/json"
	"time"

	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/presence"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

// GiveUpMessage is the user-facing text for MaxReconnectAttemptsReached.
const GiveUpMessage = "real-time sync unavailable, changes will be saved locally"

// Connection events.

// Connected is emitted after the connection opened and the queue was
// flushed.
type Connected struct {
	Epoch     uint64
	Reconnect bool
}

func (Connected) EventName() events.Name { return events.NameConnected }

// Disconnected is emitted when an open connection is lost or shut down.
type Disconnected struct {
	Clean bool  // closed deliberately, no reconnect follows
	Err   error // cause for unclean losses
}

func (Disconnected) EventName() events.Name { return events.NameDisconnected }

// Reconnecting is emitted when a reconnect attempt is scheduled.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

func (Reconnecting) EventName() events.Name { return events.NameReconnecting }

// StateChange is emitted for every connection state transition.
type StateChange struct {
	From State
	To   State
}

func (StateChange) EventName() events.Name { return events.NameStateChange }

// MaxReconnectAttemptsReached is emitted when reconnecting gives up. The
// outbound queue keeps buffering; a later Connect starts over.
type MaxReconnectAttemptsReached struct {
	Attempts int
	Err      error
	Queued   int
	Message  string
}

func (MaxReconnectAttemptsReached) EventName() events.Name {
	return events.NameMaxReconnectAttemptsReached
}

// QueueOverflow is emitted when the outbound queue drops its oldest message.
type QueueOverflow struct {
	Dropped  protocol.Message
	Capacity int
}

func (QueueOverflow) EventName() events.Name { return events.NameQueueOverflow }

// Presence events. Record is the registry state after the update.

type UserJoined struct {
	SessionID string
	Record    presence.Record
}

func (UserJoined) EventName() events.Name { return events.NameUserJoined }

type UserLeft struct {
	SessionID string
	Record    presence.Record
}

func (UserLeft) EventName() events.Name { return events.NameUserLeft }

type UserPresence struct {
	SessionID string
	Record    presence.Record
}

func (UserPresence) EventName() events.Name { return events.NameUserPresence }

type CursorMove struct {
	SessionID string
	Record    presence.Record
}

func (CursorMove) EventName() events.Name { return events.NameCursorMove }

type SelectionChange struct {
	SessionID string
	Record    presence.Record
}

func (SelectionChange) EventName() events.Name { return events.NameSelectionChange }

// Pass-through payload events.

type TextEdit struct {
	SenderID  string
	SessionID string
	Payload   json.RawMessage
}

func (TextEdit) EventName() events.Name { return events.NameTextEdit }

type DataSync struct {
	SenderID  string
	SessionID string
	Payload   json.RawMessage
}

func (DataSync) EventName() events.Name { return events.NameDataSync }

type Notification struct {
	SenderID string
	protocol.NotificationPayload
}

func (Notification) EventName() events.Name { return events.NameNotification }

type Alert struct {
	SenderID string
	protocol.NotificationPayload
}

func (Alert) EventName() events.Name { return events.NameAlert }
