package client

import (
	"errors"
	"fmt"
)

// Sentinel errors for client operations.
var (
	// ErrClosed is returned by operations on a client that was shut down.
	ErrClosed = errors.New("client: closed")

	// ErrNotConnected is returned when a control message cannot be written
	// because no connection is open. Control messages are never queued.
	ErrNotConnected = errors.New("client: not connected")

	// ErrCleanClose marks a transport close initiated deliberately by the
	// peer (WebSocket close code 1000). No reconnect follows.
	ErrCleanClose = errors.New("client: connection closed cleanly")

	// ErrLivenessTimeout is the cause reported when a heartbeat goes
	// unanswered.
	ErrLivenessTimeout = errors.New("client: heartbeat timeout")

	// ErrInvalidConfig is matched by every *ConfigError.
	ErrInvalidConfig = errors.New("client: invalid config")

	// ErrNoIdentity is returned by New when the identity has no user ID.
	ErrNoIdentity = errors.New("client: identity has no user id")

	// ErrNoDialer is returned by New when no transport was configured.
	ErrNoDialer = errors.New("client: no dialer configured")

	// ErrNotJoined is returned for session operations on a resource that was
	// not joined.
	ErrNotJoined = errors.New("client: resource not joined")

	// ErrPresenceDisabled is returned by presence intents when
	// EnablePresence is false.
	ErrPresenceDisabled = errors.New("client: presence disabled")

	// ErrCollaborationDisabled is returned by session intents when
	// EnableCollaboration is false.
	ErrCollaborationDisabled = errors.New("client: collaboration disabled")
)

// TransportError wraps a dial, read or write failure.
type TransportError struct {
	Op  string // "dial", "read", "write" or "flush"
	Err error
}

// Error returns the error message with the failed operation.
func (e *TransportError) Error() string {
	return fmt.Sprintf("client: transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("client: invalid config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
