// Package eventloop runs every pipeline push of a process on one goroutine.
//
// Producers on other goroutines (timers, bridge receivers, HTTP handlers,
// async business logic) hand work to the loop with Post; the loop executes
// tasks one at a time in submission order. The queue is unbounded so a task
// may Post from inside the loop without deadlocking.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/metric"
)

// Loop is a single-goroutine task executor. It implements stream.Scheduler.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	state   state
	wake    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
	metrics *metric.Metrics
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithCapacity preallocates room for n queued tasks. The queue still grows past n.
func WithCapacity(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.queue = make([]func(), 0, n)
		}
	}
}

// WithMetrics reports the pending task count.
func WithMetrics(m *metric.Metrics) Option {
	return func(lp *Loop) {
		lp.metrics = m
	}
}

// New creates a loop. Tasks posted before Start run once it starts.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "eventloop")
	return l
}

// Start launches the loop goroutine. It stops when ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stateNew {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Loop", "Start", "start event loop")
	}
	l.state = stateRunning
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.wake:
			if !l.drain() {
				return
			}
		case <-ctx.Done():
			l.mu.Lock()
			if l.state == stateRunning {
				l.state = stateStopping
			}
			l.mu.Unlock()
			l.drain()
			l.finish()
			return
		}
	}
}

// drain runs queued tasks until the queue is empty. It returns false once
// the loop has been asked to stop and nothing is left.
func (l *Loop) drain() bool {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopping := l.state == stateStopping
			if stopping {
				l.state = stateStopped
			}
			l.mu.Unlock()
			l.metrics.RecordPendingTasks(0)
			return !stopping
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		pending := len(l.queue)
		l.mu.Unlock()

		l.metrics.RecordPendingTasks(pending)
		l.execute(task)
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.state = stateStopped
	l.queue = nil
	l.mu.Unlock()
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Post queues fn. It returns false if the loop has stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.state == stateStopping || l.state == stateStopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Schedule implements stream.Scheduler.
func (l *Loop) Schedule(fn func()) {
	if !l.Post(fn) {
		l.logger.Debug("Dropped task posted after stop")
	}
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, func() { l.Schedule(fn) }).Stop
}

// Call runs fn on the loop and waits for it. It must not be called from a task.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return errors.WrapInvalid(errors.ErrStopped, "Loop", "Call", "post task")
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Loop", "Call", "wait for task")
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Running reports whether the loop accepts and runs tasks.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateRunning
}

// Stop runs the tasks already queued, then exits. New posts are rejected.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.Lock()
	switch l.state {
	case stateNew:
		l.state = stateStopped
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		return nil
	case stateRunning:
		l.state = stateStopping
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-l.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Loop", "Stop", "drain event loop")
	}
}
