package buffer

import (
	"context"
	"sync"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/metric"
)

// OverflowPolicy decides what Push does on a full queue.
type OverflowPolicy int

const (
	// DropOldest evicts the head to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the pushed item.
	DropNewest
	// Block waits for room.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, errors.WrapInvalid(errors.ErrInvalidConfig, "buffer", "ParsePolicy", "parse policy "+s)
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithPolicy sets the overflow policy; DropOldest by default.
func WithPolicy[T any](p OverflowPolicy) Option[T] {
	return func(q *Queue[T]) { q.policy = p }
}

// WithDropCallback is called, outside the queue lock, for every dropped item.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onDrop = fn }
}

// WithMetrics reports the queue depth under the given name.
func WithMetrics[T any](m *metric.Metrics, name string) Option[T] {
	return func(q *Queue[T]) { q.metrics, q.name = m, name }
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Len     int
	Cap     int
	Pushed  int64
	Popped  int64
	Dropped int64
}

// Queue is a bounded, goroutine-safe FIFO.
type Queue[T any] struct {
	policy  OverflowPolicy
	onDrop  func(T)
	metrics *metric.Metrics
	name    string

	mu      sync.Mutex
	items   []T
	head    int
	size    int
	closed  bool
	changed chan struct{}
	stats   Stats
}

// New creates a queue holding at most capacity items (minimum 1).
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:   make([]T, capacity),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// broadcast wakes every waiter. Callers hold mu.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
	q.metrics.RecordQueueDepth(q.name, q.size)
}

func (q *Queue[T]) push(v T) {
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	q.stats.Pushed++
}

func (q *Queue[T]) pop() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.stats.Popped++
	return v
}

// Push appends v, applying the overflow policy when full. DropNewest returns
// ErrQueueFull; Block returns ctx.Err() when ctx ends first. Pushing to a
// closed queue returns ErrStopped.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return errors.WrapInvalid(errors.ErrStopped, "Queue", "Push", "push to closed queue")
		}
		if q.size < len(q.items) {
			q.push(v)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}

		switch q.policy {
		case DropNewest:
			q.stats.Dropped++
			q.mu.Unlock()
			q.dropped(v)
			return errors.WrapTransient(errors.ErrQueueFull, "Queue", "Push", "enqueue item")
		case DropOldest:
			old := q.pop()
			q.stats.Popped--
			q.stats.Dropped++
			q.push(v)
			q.broadcast()
			q.mu.Unlock()
			q.dropped(old)
			return nil
		}

		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
}

func (q *Queue[T]) dropped(v T) {
	if q.onDrop != nil {
		q.onDrop(v)
	}
}

// Pop removes the head, waiting until an item is available. A closed queue is
// drained first, then Pop returns ErrStopped.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	q.mu.Lock()
	for {
		if q.size > 0 {
			v := q.pop()
			q.broadcast()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, errors.ErrStopped
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
}

// TryPop removes the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		var zero T
		return zero, false
	}
	v := q.pop()
	q.broadcast()
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int { return len(q.items) }

// Close rejects further pushes and wakes waiters. Queued items stay poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns a snapshot of the counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = q.size
	s.Cap = len(q.items)
	return s
}
