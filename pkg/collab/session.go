package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collabsync/pkg/events"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

// Presence reports collaborator liveness. *presence.Registry implements it.
type Presence interface {
	IsOnline(userID string) bool
}

// Publisher sends session traffic to peers. The client facade implements it
// on top of the connection manager.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, kind protocol.Kind, payload any) error
}

// fieldValue is the effective value of a field and the change (or merged
// conflict) it came from.
type fieldValue struct {
	value  any
	source string
	at     time.Time
	user   string
}

func (v fieldValue) after(o fieldValue) bool {
	if !v.at.Equal(o.at) {
		return v.at.After(o.at)
	}
	return v.user > o.user
}

type outbound struct {
	kind    protocol.Kind
	payload any
}

// effects collects what a locked operation wants to do once the lock is
// released.
type effects struct {
	events    []events.Event
	out       []outbound
	errs      []error
	conflicts int
}

// Session is the shared state of one collaborative resource as seen by the
// local client. It is safe for concurrent use.
type Session struct {
	id         string
	resourceID string
	local      string

	window    time.Duration
	resolver  Resolver
	presence  Presence
	publisher Publisher
	emitter   events.Emitter
	clock     clockwork.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	mu           sync.RWMutex
	participants map[string]struct{}
	locks        map[string]string // fieldID -> holder
	log          []*Change         // arrival order, append-only
	changes      map[string]*Change
	conflictLog  []*Conflict
	conflicts    map[string]*Conflict
	values       map[string]fieldValue
	baseline     map[string]any // PreviousValue of the first change seen per field
}

func newSession(cfg *Config, resourceID string) *Session {
	id := SessionID(resourceID)
	return &Session{
		id:           id,
		resourceID:   resourceID,
		local:        cfg.LocalUserID,
		window:       cfg.ConflictWindow,
		resolver:     cfg.Resolver,
		presence:     cfg.Presence,
		publisher:    cfg.Publisher,
		emitter:      cfg.Events,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("session", id, "resource", resourceID),
		tracer:       cfg.Tracer,
		participants: make(map[string]struct{}),
		locks:        make(map[string]string),
		changes:      make(map[string]*Change),
		conflicts:    make(map[string]*Conflict),
		values:       make(map[string]fieldValue),
		baseline:     make(map[string]any),
	}
}

// ID returns the session ID shared by every client on the resource.
func (s *Session) ID() string { return s.id }

// ResourceID returns the collaborative resource.
func (s *Session) ResourceID() string { return s.resourceID }

// ProposeChange records a local edit, runs conflict detection and
// resolution, and publishes the change to peers. It fails with a *LockError
// when another online user holds the field's lock.
func (s *Session) ProposeChange(ctx context.Context, fieldID string, value any) (Change, error) {
	ctx, span := s.tracer.Start(ctx, "collab.ProposeChange", trace.WithAttributes(
		attribute.String("collab.session", s.id),
		attribute.String("collab.field", fieldID),
	))
	defer span.End()

	if fieldID == "" {
		err := fmt.Errorf("%w: empty field id", ErrInvalidChange)
		span.SetStatus(codes.Error, err.Error())
		return Change{}, err
	}

	s.mu.Lock()
	if holder, ok := s.locks[fieldID]; ok && holder != s.local && s.online(holder) {
		s.mu.Unlock()
		err := &LockError{FieldID: fieldID, Holder: holder}
		span.SetStatus(codes.Error, err.Error())
		return Change{}, err
	}

	c := &Change{
		ID:            uuid.NewString(),
		UserID:        s.local,
		FieldID:       fieldID,
		PreviousValue: s.values[fieldID].value,
		NewValue:      value,
		AppliedAt:     s.now(),
	}
	var fx effects
	fx.out = append(fx.out, outbound{protocol.KindFieldUpdate, protocol.FieldUpdatePayload{
		ResourceID:    s.resourceID,
		ChangeID:      c.ID,
		FieldID:       c.FieldID,
		PreviousValue: c.PreviousValue,
		NewValue:      c.NewValue,
		AppliedAt:     c.AppliedAt.UnixMilli(),
	}})
	s.submitLocked(c, &fx)
	out := c.clone()
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("collab.change", out.ID),
		attribute.String("collab.status", string(out.Status)),
	)
	s.finish(ctx, span, &fx)
	return out, nil
}

// ApplyRemote runs an inbound change through the same pipeline as a local
// proposal, without the lock check. Replays of a known change ID return the
// stored change unchanged.
func (s *Session) ApplyRemote(ctx context.Context, c Change) (Change, error) {
	ctx, span := s.tracer.Start(ctx, "collab.ApplyRemote", trace.WithAttributes(
		attribute.String("collab.session", s.id),
		attribute.String("collab.field", c.FieldID),
		attribute.String("collab.change", c.ID),
		attribute.String("collab.user", c.UserID),
	))
	defer span.End()

	if c.ID == "" || c.UserID == "" || c.FieldID == "" {
		err := fmt.Errorf("%w: id=%q user=%q field=%q", ErrInvalidChange, c.ID, c.UserID, c.FieldID)
		span.SetStatus(codes.Error, err.Error())
		return Change{}, err
	}

	s.mu.Lock()
	if known, ok := s.changes[c.ID]; ok {
		out := known.clone()
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("collab.duplicate", true))
		return out, nil
	}

	ch := c.clone()
	var fx effects
	s.submitLocked(&ch, &fx)
	out := ch.clone()
	s.mu.Unlock()

	span.SetAttributes(attribute.String("collab.status", string(out.Status)))
	s.finish(ctx, span, &fx)
	return out, nil
}

// ApplyResolution applies a peer's CONFLICT_RESOLUTION. Terminal conflicts
// are never changed, so repeats are no-ops. It returns the conflict and
// whether anything changed.
func (s *Session) ApplyResolution(ctx context.Context, p protocol.ConflictResolutionPayload) (Conflict, bool) {
	ctx, span := s.tracer.Start(ctx, "collab.ApplyResolution", trace.WithAttributes(
		attribute.String("collab.session", s.id),
		attribute.String("collab.conflict", p.ConflictID),
		attribute.String("collab.resolution", p.Resolution),
	))
	defer span.End()

	res := Resolution(p.Resolution)
	if !res.Terminal() || p.ChangeID == "" || p.ConflictingChangeID == "" {
		span.SetStatus(codes.Error, "invalid resolution")
		return Conflict{}, false
	}
	if res == ResolutionLastWriterWins && p.WinnerChangeID != p.ChangeID && p.WinnerChangeID != p.ConflictingChangeID {
		span.SetStatus(codes.Error, "winner not part of conflict")
		return Conflict{}, false
	}
	id := p.ConflictID
	if id == "" {
		id = ConflictID(p.ChangeID, p.ConflictingChangeID)
	}

	s.mu.Lock()
	cf, ok := s.conflicts[id]
	if ok && cf.Resolution.Terminal() {
		out := *cf
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("collab.duplicate", true))
		return out, false
	}
	if !ok {
		cf = &Conflict{
			ID:                  id,
			ChangeID:            p.ChangeID,
			ConflictingChangeID: p.ConflictingChangeID,
			FieldID:             p.FieldID,
			Resolution:          ResolutionPending,
		}
		s.conflictLog = append(s.conflictLog, cf)
		s.conflicts[id] = cf
		for _, changeID := range []string{cf.ChangeID, cf.ConflictingChangeID} {
			if ch, ok := s.changes[changeID]; ok {
				ch.Conflicts = append(ch.Conflicts, id)
			}
		}
	}

	var fx effects
	s.settleConflictLocked(cf, Decision{
		Resolution: res,
		WinnerID:   p.WinnerChangeID,
		Value:      p.Value,
	}, p.ResolvedBy, time.UnixMilli(p.ResolvedAt), true, &fx)
	out := *cf
	s.mu.Unlock()

	s.finish(ctx, span, &fx)
	return out, true
}

// submitLocked appends c to the log and decides its status.
func (s *Session) submitLocked(c *Change, fx *effects) {
	c.Status = StatusPending
	c.Applied = false
	c.Conflicts = nil

	s.participants[c.UserID] = struct{}{}
	if _, seen := s.baseline[c.FieldID]; !seen {
		s.baseline[c.FieldID] = c.PreviousValue
	}
	s.log = append(s.log, c)
	s.changes[c.ID] = c

	if s.linkSettledLocked(c, fx) {
		return
	}

	rivals := s.rivalsLocked(c)
	if len(rivals) == 0 {
		s.settleLocked(c, fx)
		return
	}

	// Open every conflict before resolving any, so c is not promoted while
	// a later pair is still undecided.
	opened := make([]*Conflict, len(rivals))
	for i, r := range rivals {
		opened[i] = s.openConflictLocked(r, c)
	}
	fx.conflicts += len(opened)
	for i, cf := range opened {
		s.resolveLocked(cf, rivals[i], c, fx)
	}
}

// linkSettledLocked attaches conflicts a peer already resolved before c
// arrived. It returns true if they determine c's status.
func (s *Session) linkSettledLocked(c *Change, fx *effects) bool {
	lost, merged := false, false
	for _, cf := range s.conflictLog {
		if cf.ChangeID != c.ID && cf.ConflictingChangeID != c.ID {
			continue
		}
		c.Conflicts = append(c.Conflicts, cf.ID)
		switch cf.Resolution {
		case ResolutionRejected:
			lost = true
		case ResolutionLastWriterWins:
			if cf.WinnerID != c.ID {
				lost = true
			}
		case ResolutionMerged:
			merged = true
		}
	}
	switch {
	case lost:
		s.rejectLocked(c)
	case merged:
		c.Status = StatusApplied
		c.Applied = true
		s.refreshLocked(c.FieldID, fx)
	default:
		return false
	}
	return true
}

// rivalsLocked returns live changes by other users to the same field whose
// timestamps overlap c within the conflict window.
func (s *Session) rivalsLocked(c *Change) []*Change {
	var out []*Change
	for _, e := range s.log {
		if e == c || e.FieldID != c.FieldID || e.UserID == c.UserID {
			continue
		}
		if e.Status != StatusApplied && e.Status != StatusPending {
			continue
		}
		d := e.AppliedAt.Sub(c.AppliedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.window {
			out = append(out, e)
		}
	}
	return out
}

func (s *Session) openConflictLocked(existing, incoming *Change) *Conflict {
	cf := &Conflict{
		ID:                  ConflictID(existing.ID, incoming.ID),
		ChangeID:            incoming.ID,
		ConflictingChangeID: existing.ID,
		FieldID:             incoming.FieldID,
		Resolution:          ResolutionPending,
	}
	s.conflictLog = append(s.conflictLog, cf)
	s.conflicts[cf.ID] = cf
	existing.Conflicts = append(existing.Conflicts, cf.ID)
	incoming.Conflicts = append(incoming.Conflicts, cf.ID)
	return cf
}

func (s *Session) resolveLocked(cf *Conflict, existing, incoming *Change, fx *effects) {
	d, err := callResolver(s.resolver, existing.clone(), incoming.clone())
	if err != nil {
		s.logger.Warn("conflict unresolved",
			"conflict", cf.ID,
			"field", cf.FieldID,
			"error", err)
		fx.errs = append(fx.errs, &ResolveError{ConflictID: cf.ID, Err: err})
		return
	}
	s.settleConflictLocked(cf, d, s.local, s.now(), false, fx)

	if existing.UserID == s.local || incoming.UserID == s.local {
		fx.out = append(fx.out, outbound{protocol.KindConflictResolution, protocol.ConflictResolutionPayload{
			ResourceID:          s.resourceID,
			ConflictID:          cf.ID,
			FieldID:             cf.FieldID,
			ChangeID:            cf.ChangeID,
			ConflictingChangeID: cf.ConflictingChangeID,
			WinnerChangeID:      cf.WinnerID,
			Resolution:          string(cf.Resolution),
			Value:               cf.Value,
			ResolvedBy:          cf.ResolvedBy,
			ResolvedAt:          cf.ResolvedAt.UnixMilli(),
		}})
	}
}

// settleConflictLocked moves cf to a terminal resolution and updates both
// changes. Either change may be unknown locally.
func (s *Session) settleConflictLocked(cf *Conflict, d Decision, by string, at time.Time, remote bool, fx *effects) {
	cf.Resolution = d.Resolution
	cf.ResolvedBy = by
	cf.ResolvedAt = at

	pair := []*Change{s.changes[cf.ChangeID], s.changes[cf.ConflictingChangeID]}
	switch d.Resolution {
	case ResolutionLastWriterWins:
		cf.WinnerID = d.WinnerID
		for _, ch := range pair {
			if ch != nil && ch.ID != d.WinnerID {
				s.rejectLocked(ch)
			}
		}
		for _, ch := range pair {
			if ch != nil && ch.ID == d.WinnerID {
				s.promoteLocked(ch)
			}
		}
	case ResolutionMerged:
		cf.Value = d.Value
		for _, ch := range pair {
			if ch != nil {
				s.promoteLocked(ch)
			}
		}
	case ResolutionRejected:
		for _, ch := range pair {
			if ch != nil {
				s.rejectLocked(ch)
			}
		}
	}

	s.refreshLocked(cf.FieldID, fx)
	fx.events = append(fx.events, ConflictResolved{
		SessionID:  s.id,
		ResourceID: s.resourceID,
		Conflict:   *cf,
		Remote:     remote,
	})
	s.logger.Debug("conflict resolved",
		"conflict", cf.ID,
		"field", cf.FieldID,
		"resolution", cf.Resolution,
		"winner", cf.WinnerID,
		"remote", remote)
}

// settleLocked applies a change that has no rivals, unless the field already
// holds a newer value.
func (s *Session) settleLocked(c *Change, fx *effects) {
	cand := fieldValue{value: c.NewValue, source: c.ID, at: c.AppliedAt, user: c.UserID}
	if cur, ok := s.values[c.FieldID]; ok && cur.after(cand) {
		c.Status = StatusSuperseded
		return
	}
	c.Status = StatusApplied
	c.Applied = true
	s.refreshLocked(c.FieldID, fx)
}

func (s *Session) promoteLocked(c *Change) {
	if c.Status == StatusRejected || c.Status == StatusApplied {
		return
	}
	for _, id := range c.Conflicts {
		if cf := s.conflicts[id]; cf != nil && cf.Resolution == ResolutionPending {
			return
		}
	}
	c.Status = StatusApplied
	c.Applied = true
}

func (s *Session) rejectLocked(c *Change) {
	c.Status = StatusRejected
	c.Applied = false
}

// refreshLocked recomputes the effective value of fieldID and queues a
// FieldUpdated event if it changed.
func (s *Session) refreshLocked(fieldID string, fx *effects) {
	next, ok := s.recomputeLocked(fieldID)
	cur, had := s.values[fieldID]
	switch {
	case ok && had && cur.source == next.source:
		return
	case ok:
		s.values[fieldID] = next
		fx.events = append(fx.events, FieldUpdated{
			SessionID:  s.id,
			ResourceID: s.resourceID,
			FieldID:    fieldID,
			Value:      next.value,
			Source:     next.source,
			UserID:     next.user,
			Remote:     next.user != "" && next.user != s.local,
		})
	case had:
		delete(s.values, fieldID)
		fx.events = append(fx.events, FieldUpdated{
			SessionID:  s.id,
			ResourceID: s.resourceID,
			FieldID:    fieldID,
			Cleared:    true,
		})
	}
}

// recomputeLocked derives a field's value from the applied changes and
// merged conflicts: the latest by (AppliedAt, UserID) wins, later log
// entries win exact ties, and merges win over their own inputs. With
// nothing applied the value reverts to the baseline seen before the first
// change.
func (s *Session) recomputeLocked(fieldID string) (fieldValue, bool) {
	var best fieldValue
	found := false
	consider := func(v fieldValue) {
		if !found || !best.after(v) {
			best = v
			found = true
		}
	}

	for _, c := range s.log {
		if c.FieldID == fieldID && c.Status == StatusApplied {
			consider(fieldValue{value: c.NewValue, source: c.ID, at: c.AppliedAt, user: c.UserID})
		}
	}
	for _, cf := range s.conflictLog {
		if cf.FieldID == fieldID && cf.Resolution == ResolutionMerged {
			consider(s.mergedValueLocked(cf))
		}
	}

	if !found {
		if base := s.baseline[fieldID]; base != nil {
			return fieldValue{value: base}, true
		}
	}
	return best, found
}

func (s *Session) mergedValueLocked(cf *Conflict) fieldValue {
	v := fieldValue{value: cf.Value, source: cf.ID, at: cf.ResolvedAt}
	first := true
	for _, id := range []string{cf.ChangeID, cf.ConflictingChangeID} {
		c, ok := s.changes[id]
		if !ok {
			continue
		}
		key := fieldValue{at: c.AppliedAt, user: c.UserID}
		if first || key.after(v) {
			v.at, v.user = key.at, key.user
			first = false
		}
	}
	return v
}

// LockField takes the advisory lock on fieldID for the local user. A lock
// held by a user who is no longer online is void and is taken over.
func (s *Session) LockField(ctx context.Context, fieldID string) error {
	s.mu.Lock()
	if holder, ok := s.locks[fieldID]; ok && holder != s.local && s.online(holder) {
		s.mu.Unlock()
		return &LockError{FieldID: fieldID, Holder: holder}
	}
	s.locks[fieldID] = s.local
	s.mu.Unlock()

	s.publishLock(ctx, fieldID, true)
	return nil
}

// UnlockField releases the local user's lock on fieldID. Releasing a field
// nobody holds is a no-op.
func (s *Session) UnlockField(ctx context.Context, fieldID string) error {
	s.mu.Lock()
	holder, ok := s.locks[fieldID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if holder != s.local {
		s.mu.Unlock()
		return fmt.Errorf("%w: field %q held by %s", ErrNotLockHolder, fieldID, holder)
	}
	delete(s.locks, fieldID)
	s.mu.Unlock()

	s.publishLock(ctx, fieldID, false)
	return nil
}

// ApplyRemoteLock records a peer's lock announcement. A claim on a field
// held by another online user is ignored. It returns whether the lock table
// changed.
func (s *Session) ApplyRemoteLock(userID, fieldID string, held bool) bool {
	if userID == "" || fieldID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, ok := s.locks[fieldID]
	if !held {
		if ok && holder == userID {
			delete(s.locks, fieldID)
			return true
		}
		return false
	}
	if ok && holder == userID {
		return false
	}
	if ok && s.online(holder) {
		return false
	}
	s.locks[fieldID] = userID
	return true
}

// LockHolder returns the user holding an effective lock on fieldID. Locks
// whose holder went offline are reported as free.
func (s *Session) LockHolder(fieldID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holder, ok := s.locks[fieldID]
	if !ok || !s.online(holder) {
		return "", false
	}
	return holder, true
}

// Locks returns the effective locks keyed by field.
func (s *Session) Locks() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.locks))
	for field, holder := range s.locks {
		if s.online(holder) {
			out[field] = holder
		}
	}
	return out
}

// Value returns the effective value of fieldID.
func (s *Session) Value(fieldID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[fieldID]
	return v.value, ok
}

// Values returns the effective value of every field.
func (s *Session) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for field, v := range s.values {
		out[field] = v.value
	}
	return out
}

// Changes returns the change log in arrival order.
func (s *Session) Changes() []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Change, len(s.log))
	for i, c := range s.log {
		out[i] = c.clone()
	}
	return out
}

// Change returns one change by ID.
func (s *Session) Change(id string) (Change, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.changes[id]
	if !ok {
		return Change{}, false
	}
	return c.clone(), true
}

// Conflicts returns every conflict in detection order.
func (s *Session) Conflicts() []Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conflict, len(s.conflictLog))
	for i, cf := range s.conflictLog {
		out[i] = *cf
	}
	return out
}

// Conflict returns one conflict by ID.
func (s *Session) Conflict(id string) (Conflict, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cf, ok := s.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return *cf, true
}

// Participants returns every user in the session, ordered by ID.
func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersLocked(false)
}

// ActiveUsers returns the participants that are currently online.
func (s *Session) ActiveUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersLocked(true)
}

// HasParticipant reports whether userID is in the session.
func (s *Session) HasParticipant(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[userID]
	return ok
}

func (s *Session) usersLocked(onlineOnly bool) []string {
	out := make([]string, 0, len(s.participants))
	for user := range s.participants {
		if onlineOnly && !s.online(user) {
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (s *Session) addParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[userID]; ok {
		return false
	}
	s.participants[userID] = struct{}{}
	return true
}

func (s *Session) removeParticipant(userID string) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.participants, userID)
	return len(s.participants)
}

// clearParticipants forgets every participant, local and remote.
func (s *Session) clearParticipants() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.participants)
}

// online must not take s.mu.
func (s *Session) online(userID string) bool {
	if userID == s.local || s.presence == nil {
		return true
	}
	return s.presence.IsOnline(userID)
}

func (s *Session) now() time.Time {
	return time.UnixMilli(s.clock.Now().UnixMilli())
}

func (s *Session) publishLock(ctx context.Context, fieldID string, held bool) {
	s.publish(ctx, protocol.KindUserPresence, protocol.PresencePayload{
		UserID:     s.local,
		ResourceID: s.resourceID,
		Lock:       &protocol.FieldLock{FieldID: fieldID, Held: held},
	})
}

func (s *Session) publish(ctx context.Context, kind protocol.Kind, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.id, kind, payload); err != nil {
		s.logger.Warn("publish failed", "kind", kind, "error", err)
	}
}

func (s *Session) emit(ev events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

// finish runs the side effects of a locked operation.
func (s *Session) finish(ctx context.Context, span trace.Span, fx *effects) {
	span.SetAttributes(attribute.Int("collab.conflicts", fx.conflicts))
	for _, err := range fx.errs {
		span.RecordError(err)
	}
	if len(fx.errs) > 0 {
		span.SetStatus(codes.Error, fx.errs[0].Error())
	}

	for _, ev := range fx.events {
		s.emit(ev)
	}
	for _, err := range fx.errs {
		s.emit(events.Error{Source: "collab", Op: "resolve", Err: err})
	}
	for _, o := range fx.out {
		s.publish(ctx, o.kind, o.payload)
	}
}
