// Package events provides the in-process publish/subscribe fan-out through
// which collabsync components report state transitions.
//
// Events are typed: each event is a struct implementing Event, and its
// EventName identifies the stream it belongs to. Handlers can subscribe by
// name with On, or type-safely with Subscribe:
//
//	events.Subscribe(d, func(e collab.FieldUpdated) {
//	    render(e.FieldID, e.Value)
//	})
//
// Emit is synchronous and invokes handlers in subscription order. Handlers
// must not block; long work belongs on the subscriber's own goroutine. A
// panicking handler is recovered and logged, and later handlers still run.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Name identifies an event stream.
type Name string

// Event names exposed to external observers.
const (
	NameConnected                   Name = "connected"
	NameDisconnected                Name = "disconnected"
	NameReconnecting                Name = "reconnecting"
	NameStateChange                 Name = "stateChange"
	NameMaxReconnectAttemptsReached Name = "maxReconnectAttemptsReached"
	NameQueueOverflow               Name = "queueOverflow"
	NameUserJoined                  Name = "userJoined"
	NameUserLeft                    Name = "userLeft"
	NameUserPresence                Name = "userPresence"
	NameCursorMove                  Name = "cursorMove"
	NameSelectionChange             Name = "selectionChange"
	NameTextEdit                    Name = "textEdit"
	NameFieldUpdate                 Name = "fieldUpdate"
	NameDataSync                    Name = "dataSync"
	NameConflictResolution          Name = "conflictResolution"
	NameNotification                Name = "notification"
	NameAlert                       Name = "alert"
	NameError                       Name = "error"
	NameSessionJoined               Name = "sessionJoined"
	NameSessionLeft                 Name = "sessionLeft"
)

// Event is implemented by every event payload.
type Event interface {
	EventName() Name
}

// Error reports a non-fatal failure from any component.
type Error struct {
	Source string // component that failed, e.g. "collab"
	Op     string
	Err    error
}

// EventName implements Event.
func (Error) EventName() Name { return NameError }

func (e Error) Error() string {
	if e.Op == "" {
		return e.Source + ": " + e.Err.Error()
	}
	return e.Source + ": " + e.Op + ": " + e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }

// Handler receives events.
type Handler func(Event)

// Emitter is the publishing side of a Dispatcher, handed to components that
// only produce events.
type Emitter interface {
	Emit(Event)
}

// Subscription identifies a registered handler. The zero value is not a
// valid subscription.
type Subscription struct {
	id   uint64
	name Name
}

// Name returns the event name the subscription listens to, or "" for a
// wildcard subscription.
func (s Subscription) Name() Name { return s.name }

type entry struct {
	id      uint64
	name    Name // "" matches every event
	handler Handler
}

// Dispatcher fans events out to subscribers. It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry // ordered by id, i.e. subscription order

	logger *slog.Logger
	panics atomic.Uint64
}

// New creates a Dispatcher. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "events")}
}

// On registers h for events named name.
func (d *Dispatcher) On(name Name, h Handler) Subscription {
	return d.add(name, h)
}

// OnAny registers h for every event.
func (d *Dispatcher) OnAny(h Handler) Subscription {
	return d.add("", h)
}

// Off removes a subscription. It returns false if it was not registered.
func (d *Dispatcher) Off(sub Subscription) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.entries {
		if e.id == sub.id {
			// Copy so in-flight Emit snapshots stay intact.
			next := make([]entry, 0, len(d.entries)-1)
			next = append(next, d.entries[:i]...)
			next = append(next, d.entries[i+1:]...)
			d.entries = next
			return true
		}
	}
	return false
}

// Emit delivers ev to the handlers registered at the time of the call.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	entries := d.entries
	d.mu.RUnlock()

	name := ev.EventName()
	for _, e := range entries {
		if e.name != "" && e.name != name {
			continue
		}
		d.invoke(e, ev)
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Panics returns the number of handler panics recovered so far.
func (d *Dispatcher) Panics() uint64 {
	return d.panics.Load()
}

func (d *Dispatcher) add(name Name, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	e := entry{id: d.nextID, name: name, handler: h}
	next := make([]entry, 0, len(d.entries)+1)
	next = append(next, d.entries...)
	d.entries = append(next, e)
	return Subscription{id: e.id, name: name}
}

func (d *Dispatcher) invoke(e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("event handler panic",
				"event", ev.EventName(),
				"subscription", e.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	e.handler(ev)
}

// Subscribe registers a typed handler. The event name is taken from E's
// zero value, so E must be a value type whose EventName does not depend on
// its fields.
func Subscribe[E Event](d *Dispatcher, fn func(E)) Subscription {
	var zero E
	return d.On(zero.EventName(), func(ev Event) {
		if typed, ok := ev.(E); ok {
			fn(typed)
		}
	})
}
