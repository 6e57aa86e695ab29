// Package queue provides the bounded outbound buffer used while a connection
// is unavailable.
//
// The queue is strict FIFO with a fixed capacity. When full, Enqueue evicts
// the oldest element: bounded memory under sustained disconnection takes
// priority over completeness, so queued messages are best-effort rather than a
// durable log.
package queue

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned by Enqueue when an element with the same key is
// already queued.
var ErrDuplicate = errors.New("queue: duplicate element")

// Queue is a bounded FIFO ring buffer. It is safe for concurrent use.
type Queue[T any] struct {
	mu    sync.Mutex
	ring  []T
	head  int // index of the oldest element
	size  int
	key   func(T) string
	keys  map[string]int
	evict func(T)

	evictions uint64
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithKey enables de-duplication: an element whose key is already queued is
// rejected with ErrDuplicate.
func WithKey[T any](fn func(T) string) Option[T] {
	return func(q *Queue[T]) {
		q.key = fn
		q.keys = make(map[string]int)
	}
}

// WithEvictHandler registers fn to be called, outside the queue lock, for
// every element dropped due to overflow.
func WithEvictHandler[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) {
		q.evict = fn
	}
}

// New creates a queue holding at most capacity elements.
// A capacity below 1 is treated as 1.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends v. If the queue is full the oldest element is evicted and
// returned with didEvict set.
func (q *Queue[T]) Enqueue(v T) (evicted T, didEvict bool, err error) {
	q.mu.Lock()
	if q.key != nil && q.keys[q.key(v)] > 0 {
		q.mu.Unlock()
		return evicted, false, ErrDuplicate
	}
	if q.size == len(q.ring) {
		evicted = q.popFrontLocked()
		didEvict = true
	}
	q.pushBackLocked(v)
	q.mu.Unlock()

	if didEvict && q.evict != nil {
		q.evict(evicted)
	}
	return evicted, didEvict, nil
}

// DrainTo removes elements in insertion order and hands each to sink.
// If sink fails, the failed element and everything after it are put back at
// the front of the queue in their original order, ahead of anything enqueued
// meanwhile, and the sink error is returned with the number delivered.
func (q *Queue[T]) DrainTo(sink func(T) error) (int, error) {
	q.mu.Lock()
	items := q.takeAllLocked()
	q.mu.Unlock()

	for i, v := range items {
		if err := sink(v); err != nil {
			q.requeueFront(items[i:])
			return i, err
		}
	}
	return len(items), nil
}

// requeueFront puts items back ahead of the current contents. Overflow
// evicts from the front, which holds the oldest elements.
func (q *Queue[T]) requeueFront(items []T) {
	q.mu.Lock()
	rest := q.takeAllLocked()
	all := make([]T, 0, len(items)+len(rest))
	all = append(all, items...)
	all = append(all, rest...)

	var dropped []T
	for _, v := range all {
		if q.key != nil && q.keys[q.key(v)] > 0 {
			continue
		}
		if q.size == len(q.ring) {
			dropped = append(dropped, q.popFrontLocked())
		}
		q.pushBackLocked(v)
	}
	q.mu.Unlock()

	if q.evict != nil {
		for _, v := range dropped {
			q.evict(v)
		}
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.ring)
}

// Evictions returns the total number of elements dropped due to overflow.
func (q *Queue[T]) Evictions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions
}

// Snapshot returns a copy of the queued elements, oldest first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	return out
}

// Clear drops every queued element without reporting evictions.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.takeAllLocked()
}

func (q *Queue[T]) pushBackLocked(v T) {
	q.ring[(q.head+q.size)%len(q.ring)] = v
	q.size++
	if q.key != nil {
		q.keys[q.key(v)]++
	}
}

func (q *Queue[T]) popFrontLocked() T {
	var zero T
	v := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.evictions++
	q.forgetLocked(v)
	return v
}

func (q *Queue[T]) takeAllLocked() []T {
	var zero T
	out := make([]T, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.ring)
		out[i] = q.ring[idx]
		q.ring[idx] = zero
	}
	q.head = 0
	q.size = 0
	if q.keys != nil {
		clear(q.keys)
	}
	return out
}

func (q *Queue[T]) forgetLocked(v T) {
	if q.key == nil {
		return
	}
	k := q.key(v)
	if q.keys[k] <= 1 {
		delete(q.keys, k)
	} else {
		q.keys[k]--
	}
}
