package client

import (
	"fmt"
	"time"
)

// Config holds configuration for a sync client.
type Config struct {
	// Reconnect

	// ReconnectBaseDelay is the delay before the first reconnect attempt.
	// Later attempts double it.
	// Default: 1 second.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the reconnect delay.
	// Default: 30 seconds.
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts is the number of reconnect attempts before giving
	// up and reporting MaxReconnectAttemptsReached.
	// Default: 10.
	MaxReconnectAttempts int

	// Liveness

	// HeartbeatInterval is the time between PING probes.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for the matching PONG. Must be
	// shorter than HeartbeatInterval.
	// Default: 10 seconds.
	HeartbeatTimeout time.Duration

	// Transport

	// ConnectTimeout bounds a single dial attempt.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single transport write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// Limits

	// OutboundQueueCapacity is the number of messages buffered while
	// disconnected. The oldest message is dropped on overflow.
	// Default: 1000.
	OutboundQueueCapacity int

	// Collaboration

	// ConflictWindow is how close two changes' timestamps must be to count
	// as concurrent.
	// Default: 5 seconds.
	ConflictWindow time.Duration

	// Features

	// EnablePresence routes presence traffic to the registry.
	// Default: true.
	EnablePresence bool

	// EnableCollaboration routes field updates to sessions.
	// Default: true.
	EnableCollaboration bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconnectBaseDelay:    1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectAttempts:  10,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ConnectTimeout:        10 * time.Second,
		WriteTimeout:          10 * time.Second,
		OutboundQueueCapacity: 1000,
		ConflictWindow:        5 * time.Second,
		EnablePresence:        true,
		EnableCollaboration:   true,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.ReconnectBaseDelay <= 0:
		return &ConfigError{Field: "ReconnectBaseDelay", Reason: "must be positive"}
	case c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return &ConfigError{Field: "ReconnectMaxDelay", Reason: "must not be below ReconnectBaseDelay"}
	case c.MaxReconnectAttempts < 0:
		return &ConfigError{Field: "MaxReconnectAttempts", Reason: "must not be negative"}
	case c.HeartbeatInterval <= 0:
		return &ConfigError{Field: "HeartbeatInterval", Reason: "must be positive"}
	case c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout >= c.HeartbeatInterval:
		return &ConfigError{Field: "HeartbeatTimeout", Reason: fmt.Sprintf("must be positive and below HeartbeatInterval (%s)", c.HeartbeatInterval)}
	case c.ConnectTimeout <= 0:
		return &ConfigError{Field: "ConnectTimeout", Reason: "must be positive"}
	case c.WriteTimeout < 0:
		return &ConfigError{Field: "WriteTimeout", Reason: "must not be negative"}
	case c.OutboundQueueCapacity < 1:
		return &ConfigError{Field: "OutboundQueueCapacity", Reason: "must be at least 1"}
	case c.ConflictWindow < 0:
		return &ConfigError{Field: "ConflictWindow", Reason: "must not be negative"}
	}
	return nil
}

// Backoff returns the reconnect delay for attempt (1-based):
// min(base * 2^(attempt-1), limit).
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > limit-d {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
