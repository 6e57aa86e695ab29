// Package protocol implements the message envelope used by collabsync clients
// and relays.
//
// Every logical message travels as exactly one transport write. The envelope
// carries the routing header in a compact binary form and the kind-specific
// payload as JSON, so relays can route without understanding payloads.
//
// # Wire Format
//
//	┌─────────┬──────┬────────┬───────────┬──────────┬───────────┬─────────┐
//	│ Version │ Kind │ ID     │ Timestamp │ SenderID │ SessionID │ Payload │
//	│ 1 byte  │ 1 b  │ string │ svarint   │ string   │ string    │ bytes   │
//	└─────────┴──────┴────────┴───────────┴──────────┴───────────┴─────────┘
//
// Strings and the payload are length-prefixed with an unsigned varint.
// The timestamp is Unix milliseconds, ZigZag encoded.
//
// # Kinds
//
// Kinds mirror the collaboration vocabulary: connection control (CONNECT,
// DISCONNECT, RECONNECT, PING, PONG, ERROR), presence (USER_JOINED,
// USER_LEFT, USER_PRESENCE, CURSOR_MOVE, SELECTION_CHANGE), editing
// (TEXT_EDIT, FIELD_UPDATE, DATA_SYNC, CONFLICT_RESOLUTION) and
// informational traffic (NOTIFICATION, ALERT).
//
// # Decoding
//
// Decode never panics on malformed input. Length prefixes are bounded by
// DefaultMaxAllocation and every failure is reported as a *DecodeError so
// callers can drop the single offending message and keep the connection.
package protocol
