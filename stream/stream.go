// Package stream provides typed push streams and the operators used to build
// element pipelines.
//
// Streams are callback lists: an Observable calls its observers synchronously
// from whatever goroutine pushes into it. The MAPE runtime keeps every push on
// its event loop, so operator state needs no locking in practice; operators that
// own timers still guard their state because timers may fire elsewhere when an
// ImmediateScheduler is used.
package stream

import (
	"sync"
	"time"
)

// Observer receives stream signals.
type Observer[T any] interface {
	OnNext(value T)
	OnError(err error)
	OnCompleted()
}

// Subscription releases an observer from its source.
type Subscription interface {
	Unsubscribe()
}

// Observable is a source observers can subscribe to.
type Observable[T any] interface {
	Subscribe(o Observer[T]) Subscription
}

// Operator transforms one observable into another of the same type.
type Operator[T any] func(src Observable[T]) Observable[T]

// Scheduler runs deferred work. The event loop implements it.
type Scheduler interface {
	// Schedule runs fn as soon as possible.
	Schedule(fn func())
	// AfterFunc runs fn after d. The returned function cancels it and reports
	// whether fn was prevented from running.
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

type immediateScheduler struct{}

func (immediateScheduler) Schedule(fn func()) { fn() }

func (immediateScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// ImmediateScheduler runs scheduled work inline and timers on their own goroutines.
var ImmediateScheduler Scheduler = immediateScheduler{}

// ObserverFuncs adapts functions to Observer. Nil fields ignore their signal.
type ObserverFuncs[T any] struct {
	Next      func(T)
	Error     func(error)
	Completed func()
}

// OnNext implements Observer.
func (o ObserverFuncs[T]) OnNext(v T) {
	if o.Next != nil {
		o.Next(v)
	}
}

// OnError implements Observer.
func (o ObserverFuncs[T]) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// OnCompleted implements Observer.
func (o ObserverFuncs[T]) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}

// NextFunc builds an observer that only handles values.
func NextFunc[T any](fn func(T)) Observer[T] {
	return ObserverFuncs[T]{Next: fn}
}

type subscriptionFunc struct {
	once sync.Once
	fn   func()
}

func (s *subscriptionFunc) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// NewSubscription wraps fn so it runs at most once.
func NewSubscription(fn func()) Subscription {
	return &subscriptionFunc{fn: fn}
}

// Empty is a subscription with nothing to release.
var Empty Subscription = NewSubscription(nil)

// Composite releases several subscriptions together. Subscriptions added
// after Unsubscribe are released immediately.
type Composite struct {
	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

// NewComposite creates a composite holding subs.
func NewComposite(subs ...Subscription) *Composite {
	return &Composite{subs: subs}
}

// Add registers s for release.
func (c *Composite) Add(s Subscription) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Unsubscribe()
		return
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()
}

// Unsubscribe releases every held subscription.
func (c *Composite) Unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

type observableFunc[T any] func(Observer[T]) Subscription

func (f observableFunc[T]) Subscribe(o Observer[T]) Subscription {
	return f(o)
}

// Create builds a cold observable: subscribe runs once per subscriber, so
// state created inside it is private to that subscription.
func Create[T any](subscribe func(o Observer[T]) Subscription) Observable[T] {
	return observableFunc[T](subscribe)
}

// Of emits values then completes, synchronously on Subscribe.
func Of[T any](values ...T) Observable[T] {
	return Create(func(o Observer[T]) Subscription {
		for _, v := range values {
			o.OnNext(v)
		}
		o.OnCompleted()
		return Empty
	})
}

// Pipe applies ops to src in order.
func Pipe[T any](src Observable[T], ops ...Operator[T]) Observable[T] {
	for _, op := range ops {
		if op != nil {
			src = op(src)
		}
	}
	return src
}

// Chain composes ops into a single operator.
func Chain[T any](ops ...Operator[T]) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return Pipe(src, ops...)
	}
}

// Merge forwards values from every source. It completes after all sources
// complete and fails on the first error.
func Merge[T any](srcs ...Observable[T]) Observable[T] {
	return Create(func(o Observer[T]) Subscription {
		var mu sync.Mutex
		remaining := len(srcs)
		done := false
		comp := NewComposite()

		for _, src := range srcs {
			comp.Add(src.Subscribe(ObserverFuncs[T]{
				Next: o.OnNext,
				Error: func(err error) {
					mu.Lock()
					if done {
						mu.Unlock()
						return
					}
					done = true
					mu.Unlock()
					o.OnError(err)
				},
				Completed: func() {
					mu.Lock()
					remaining--
					last := remaining == 0 && !done
					if last {
						done = true
					}
					mu.Unlock()
					if last {
						o.OnCompleted()
					}
				},
			}))
		}
		if len(srcs) == 0 {
			o.OnCompleted()
		}
		return comp
	})
}
