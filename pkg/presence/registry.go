// Package presence tracks the live state of remote collaborators.
//
// The Registry holds one Record per user. Records are never deleted: a user
// that leaves is marked offline but keeps its last known resource and cursor.
// Updates are merged by message kind and ordered by their envelope timestamp,
// so replays and out-of-order deliveries are harmless.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/collabsync/pkg/protocol"
)

// ErrMissingUser is returned by UpdateFromMessage when the payload names no
// user.
var ErrMissingUser = errors.New("presence: update has no user id")

// Record is a snapshot of one collaborator.
type Record struct {
	UserID            string
	DisplayName       string
	Role              string
	Online            bool
	LastSeenAt        time.Time
	CurrentResourceID string
	Cursor            *protocol.Cursor
	Selection         *protocol.Selection
}

func (r Record) clone() Record {
	if r.Cursor != nil {
		c := *r.Cursor
		r.Cursor = &c
	}
	if r.Selection != nil {
		s := *r.Selection
		r.Selection = &s
	}
	return r
}

// Update is a presence change observed at At.
type Update struct {
	Kind protocol.Kind
	At   time.Time
	protocol.PresencePayload
}

// UpdateFromMessage decodes a presence-kind message into an Update. The
// sender ID is used when the payload omits the user.
func UpdateFromMessage(m protocol.Message) (Update, error) {
	u := Update{Kind: m.Kind(), At: m.Timestamp()}
	if err := m.DecodePayload(&u.PresencePayload); err != nil {
		return Update{}, err
	}
	if u.UserID == "" {
		u.UserID = m.SenderID()
	}
	if u.UserID == "" {
		return Update{}, ErrMissingUser
	}
	return u, nil
}

// Registry is the set of known collaborators. Reads return copies and never
// wait on more than a single map update.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records: make(map[string]*Record),
		logger:  logger.With("component", "presence"),
	}
}

// Apply merges u into the registry and returns the resulting record.
// It returns false when the update was dropped: non-presence kinds, updates
// without a user, and updates older than the stored LastSeenAt.
func (r *Registry) Apply(u Update) (Record, bool) {
	if !u.Kind.IsPresence() || u.UserID == "" {
		return Record{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[u.UserID]
	if !ok {
		rec = &Record{UserID: u.UserID}
		r.records[u.UserID] = rec
	} else if u.At.Before(rec.LastSeenAt) {
		r.logger.Debug("stale presence dropped",
			"user", u.UserID,
			"kind", u.Kind,
			"at", u.At,
			"last_seen", rec.LastSeenAt)
		return rec.clone(), false
	}

	rec.LastSeenAt = u.At
	if u.DisplayName != "" {
		rec.DisplayName = u.DisplayName
	}
	if u.Role != "" {
		rec.Role = u.Role
	}

	switch u.Kind {
	case protocol.KindUserLeft:
		rec.Online = false
		return rec.clone(), true
	case protocol.KindCursorMove:
		if u.Cursor != nil {
			c := *u.Cursor
			rec.Cursor = &c
		}
	case protocol.KindSelectionChange:
		if u.Selection != nil {
			s := *u.Selection
			rec.Selection = &s
		}
	default: // USER_JOINED, USER_PRESENCE
		if u.Cursor != nil {
			c := *u.Cursor
			rec.Cursor = &c
		}
		if u.Selection != nil {
			s := *u.Selection
			rec.Selection = &s
		}
	}
	rec.Online = true
	if u.ResourceID != "" {
		rec.CurrentResourceID = u.ResourceID
	}
	return rec.clone(), true
}

// Get returns the record for userID.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[userID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// IsOnline reports whether userID is known and online.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[userID]
	return ok && rec.Online
}

// ListOnline returns online users, ordered by user ID. A non-empty
// resourceID restricts the result to users currently on that resource.
func (r *Registry) ListOnline(resourceID string) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if !rec.Online {
			continue
		}
		if resourceID != "" && rec.CurrentResourceID != resourceID {
			continue
		}
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sortByUser(out)
	return out
}

// List returns every known user, online or not, ordered by user ID.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sortByUser(out)
	return out
}

// MarkAllOffline marks every record offline without touching LastSeenAt, so
// fresh updates after a reconnect are still accepted. It returns the number
// of records that changed.
func (r *Registry) MarkAllOffline() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.Online {
			rec.Online = false
			n++
		}
	}
	return n
}

// Len returns the number of known users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func sortByUser(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].UserID < recs[j].UserID })
}
