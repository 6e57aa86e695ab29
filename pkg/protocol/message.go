package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable envelope. Construct it with NewMessage or
// NewRawMessage; the zero value is not a valid message.
type Message struct {
	kind      Kind
	id        string
	timestamp int64 // Unix milliseconds
	senderID  string
	sessionID string
	payload   []byte
}

// NewMessage builds a message with a fresh random ID. The payload is
// marshaled to JSON; a nil payload produces an empty payload.
func NewMessage(kind Kind, senderID, sessionID string, payload any, at time.Time) (Message, error) {
	if !kind.Valid() {
		return Message{}, fmt.Errorf("protocol: unknown kind 0x%02x", uint8(kind))
	}

	var data []byte
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = append([]byte(nil), p...)
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
	}

	return Message{
		kind:      kind,
		id:        uuid.NewString(),
		timestamp: at.UnixMilli(),
		senderID:  senderID,
		sessionID: sessionID,
		payload:   data,
	}, nil
}

// NewRawMessage builds a message from already-encoded parts.
// The payload is copied.
func NewRawMessage(kind Kind, id string, timestampMillis int64, senderID, sessionID string, payload []byte) Message {
	var data []byte
	if len(payload) > 0 {
		data = make([]byte, len(payload))
		copy(data, payload)
	}
	return Message{
		kind:      kind,
		id:        id,
		timestamp: timestampMillis,
		senderID:  senderID,
		sessionID: sessionID,
		payload:   data,
	}
}

// Kind returns the message kind.
func (m Message) Kind() Kind { return m.kind }

// ID returns the message ID.
func (m Message) ID() string { return m.id }

// Timestamp returns the send time with millisecond precision.
func (m Message) Timestamp() time.Time { return time.UnixMilli(m.timestamp) }

// TimestampMillis returns the send time as Unix milliseconds.
func (m Message) TimestampMillis() int64 { return m.timestamp }

// SenderID returns the sending user's ID.
func (m Message) SenderID() string { return m.senderID }

// SessionID returns the collaboration session the message belongs to,
// or "" for session-less traffic.
func (m Message) SessionID() string { return m.sessionID }

// Payload returns a copy of the raw JSON payload.
func (m Message) Payload() json.RawMessage {
	if len(m.payload) == 0 {
		return nil
	}
	out := make([]byte, len(m.payload))
	copy(out, m.payload)
	return out
}

// DecodePayload unmarshals the JSON payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.payload) == 0 {
		return &DecodeError{Kind: m.kind, Op: "payload", Err: errEmptyPayload}
	}
	if err := json.Unmarshal(m.payload, v); err != nil {
		return &DecodeError{Kind: m.kind, Op: "payload", Err: err}
	}
	return nil
}

// String returns a short description for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s id=%s sender=%s session=%s bytes=%d",
		m.kind, m.id, m.senderID, m.sessionID, len(m.payload))
}
