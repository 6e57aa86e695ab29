package protocol

import (
	"errors"
	"fmt"
)

// Decoding errors.
var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported envelope version")
	ErrUnknownKind        = errors.New("protocol: unknown message kind")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after envelope")
	errEmptyPayload       = errors.New("protocol: empty payload")
)

// DecodeError describes a malformed inbound message. The offending message
// should be dropped; the connection stays up.
type DecodeError struct {
	Kind Kind   // Zero if the kind could not be read
	Op   string // Field being decoded
	Err  error
}

// Error returns the error message.
func (e *DecodeError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("protocol: decode %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol: decode %s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrorCode identifies the type of an ERROR message.
type ErrorCode uint16

const (
	ErrCodeUnknown      ErrorCode = 0x0000 // Unknown error
	ErrCodeInvalidFrame ErrorCode = 0x0001 // Malformed envelope
	ErrCodeUnauthorized ErrorCode = 0x0002 // Identity token rejected
	ErrCodeRateLimited  ErrorCode = 0x0003 // Too many messages
	ErrCodeNotFound     ErrorCode = 0x0004 // Unknown session or resource
	ErrCodeConflict     ErrorCode = 0x0005 // Conflict could not be resolved
	ErrCodeServerError  ErrorCode = 0x0100 // Internal server error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrCodeInvalidFrame:
		return "InvalidFrame"
	case ErrCodeUnauthorized:
		return "Unauthorized"
	case ErrCodeRateLimited:
		return "RateLimited"
	case ErrCodeNotFound:
		return "NotFound"
	case ErrCodeConflict:
		return "Conflict"
	case ErrCodeServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// ErrorPayload is carried by ERROR.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal,omitempty"`
}

// Error implements the error interface.
func (ep *ErrorPayload) Error() string {
	if ep.Fatal {
		return "fatal: " + ep.Code.String() + ": " + ep.Message
	}
	return ep.Code.String() + ": " + ep.Message
}
