package collab

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrFieldLocked is returned when another online user holds the field's
	// advisory lock.
	ErrFieldLocked = errors.New("collab: field locked")

	// ErrNotLockHolder is returned when releasing a lock held by someone else.
	ErrNotLockHolder = errors.New("collab: not lock holder")

	// ErrConflictUnresolved is reported when a resolver fails. The conflict
	// stays pending.
	ErrConflictUnresolved = errors.New("collab: conflict unresolved")

	// ErrInvalidDecision is returned for resolver decisions that do not name
	// a terminal resolution or a winner from the pair.
	ErrInvalidDecision = errors.New("collab: invalid resolver decision")

	// ErrInvalidChange is returned for changes missing an ID, user or field.
	ErrInvalidChange = errors.New("collab: invalid change")

	// ErrNoSession is returned when leaving a resource that was never joined.
	ErrNoSession = errors.New("collab: no session for resource")

	// ErrEmptyResource is returned by Join for an empty resource ID.
	ErrEmptyResource = errors.New("collab: empty resource id")
)

// LockError reports a refused lock or proposal.
type LockError struct {
	FieldID string
	Holder  string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("collab: field %q locked by %s", e.FieldID, e.Holder)
}

func (e *LockError) Unwrap() error {
	return ErrFieldLocked
}

// ResolveError wraps a resolver failure for one conflict.
// It matches ErrConflictUnresolved with errors.Is.
type ResolveError struct {
	ConflictID string
	Err        error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("collab: conflict %s unresolved: %v", e.ConflictID, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConflictUnresolved.
func (e *ResolveError) Is(target error) bool {
	return target == ErrConflictUnresolved
}
