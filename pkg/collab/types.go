package collab

import (
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

// Status is the lifecycle state of a Change.
type Status string

const (
	StatusPending    Status = "pending"    // waiting on conflict resolution
	StatusApplied    Status = "applied"    // contributes to the field value
	StatusRejected   Status = "rejected"   // lost a conflict
	StatusSuperseded Status = "superseded" // older than the field's value, never conflicted
)

// Resolution is the outcome of a Conflict.
type Resolution string

const (
	ResolutionPending        Resolution = "pending"
	ResolutionLastWriterWins Resolution = "last-writer-wins"
	ResolutionMerged         Resolution = "merged"
	ResolutionRejected       Resolution = "rejected"
)

// Terminal reports whether r is a final outcome.
func (r Resolution) Terminal() bool {
	switch r {
	case ResolutionLastWriterWins, ResolutionMerged, ResolutionRejected:
		return true
	}
	return false
}

// Change is one proposed edit of a field.
type Change struct {
	ID            string
	UserID        string
	FieldID       string
	PreviousValue any
	NewValue      any
	AppliedAt     time.Time
	Applied       bool
	Status        Status
	Conflicts     []string // conflict IDs
}

func (c *Change) clone() Change {
	out := *c
	if c.Conflicts != nil {
		out.Conflicts = append([]string(nil), c.Conflicts...)
	}
	return out
}

// ChangeFromPayload builds a remote Change from a FIELD_UPDATE.
func ChangeFromPayload(senderID string, p protocol.FieldUpdatePayload) Change {
	return Change{
		ID:            p.ChangeID,
		UserID:        senderID,
		FieldID:       p.FieldID,
		PreviousValue: p.PreviousValue,
		NewValue:      p.NewValue,
		AppliedAt:     time.UnixMilli(p.AppliedAt),
	}
}

// Conflict records two overlapping changes to the same field.
type Conflict struct {
	ID                  string
	ChangeID            string // the change whose arrival detected the conflict
	ConflictingChangeID string
	FieldID             string
	Resolution          Resolution
	WinnerID            string // set for last-writer-wins
	Value               any    // set for merged
	ResolvedBy          string
	ResolvedAt          time.Time
}

// conflictNamespace scopes conflict IDs. Every client that sees the same
// pair of changes derives the same conflict ID.
var conflictNamespace = uuid.MustParse("6f1c2a8e-5d0b-4c47-9a3e-2b7d9e4f8c11")

// ConflictID returns the deterministic ID for a pair of change IDs.
func ConflictID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(conflictNamespace, []byte(a+"\x00"+b)).String()
}

// sessionNamespace scopes session IDs derived from resource IDs.
var sessionNamespace = uuid.MustParse("0c9b7f52-8a51-4f0e-b2d4-7e3a61c5d290")

// SessionID returns the session ID every client uses for resourceID.
func SessionID(resourceID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(resourceID)).String()
}

// FieldUpdated is emitted when a field's effective value changes.
type FieldUpdated struct {
	SessionID  string
	ResourceID string
	FieldID    string
	Value      any
	Cleared    bool   // no value remains for the field
	Source     string // change or merged conflict ID that produced Value
	UserID     string
	Remote     bool
}

// EventName implements events.Event.
func (FieldUpdated) EventName() events.Name { return events.NameFieldUpdate }

// ConflictResolved is emitted when a conflict reaches a terminal resolution.
type ConflictResolved struct {
	SessionID  string
	ResourceID string
	Conflict   Conflict
	Remote     bool // resolution received from a peer
}

// EventName implements events.Event.
func (ConflictResolved) EventName() events.Name { return events.NameConflictResolution }

// SessionJoined is emitted when the local user joins a resource.
type SessionJoined struct {
	SessionID  string
	ResourceID string
	UserID     string
}

// EventName implements events.Event.
func (SessionJoined) EventName() events.Name { return events.NameSessionJoined }

// SessionLeft is emitted when the local user leaves a resource.
type SessionLeft struct {
	SessionID  string
	ResourceID string
	UserID     string
}

// EventName implements events.Event.
func (SessionLeft) EventName() events.Name { return events.NameSessionLeft }
