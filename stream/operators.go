package stream

import (
	"reflect"
	"sync"
	"time"
)

// lift builds an operator from a per-subscription observer factory.
func lift[T, U any](src Observable[T], wrap func(down Observer[U]) (Observer[T], func())) Observable[U] {
	return Create(func(down Observer[U]) Subscription {
		up, cleanup := wrap(down)
		sub := src.Subscribe(up)
		return NewSubscription(func() {
			sub.Unsubscribe()
			if cleanup != nil {
				cleanup()
			}
		})
	})
}

// Map transforms every value with fn.
func Map[T, U any](fn func(T) U) func(Observable[T]) Observable[U] {
	return func(src Observable[T]) Observable[U] {
		return lift(src, func(down Observer[U]) (Observer[T], func()) {
			return ObserverFuncs[T]{
				Next:      func(v T) { down.OnNext(fn(v)) },
				Error:     down.OnError,
				Completed: down.OnCompleted,
			}, nil
		})
	}
}

// Filter forwards values for which pred holds.
func Filter[T any](pred func(T) bool) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			return ObserverFuncs[T]{
				Next: func(v T) {
					if pred(v) {
						down.OnNext(v)
					}
				},
				Error:     down.OnError,
				Completed: down.OnCompleted,
			}, nil
		})
	}
}

// Tap calls fn for every value and forwards it unchanged.
func Tap[T any](fn func(T)) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			return ObserverFuncs[T]{
				Next: func(v T) {
					fn(v)
					down.OnNext(v)
				},
				Error:     down.OnError,
				Completed: down.OnCompleted,
			}, nil
		})
	}
}

// DistinctUntilChanged drops a value whose key equals the key of the previous
// forwarded value. A nil key function compares whole values. Keys are compared
// with reflect.DeepEqual so maps and slices are allowed.
func DistinctUntilChanged[T any](key func(T) any) Operator[T] {
	if key == nil {
		key = func(v T) any { return v }
	}
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			var last any
			seen := false
			return ObserverFuncs[T]{
				Next: func(v T) {
					k := key(v)
					if seen && reflect.DeepEqual(k, last) {
						return
					}
					seen, last = true, k
					down.OnNext(v)
				},
				Error:     down.OnError,
				Completed: down.OnCompleted,
			}, nil
		})
	}
}

// Debounce emits the latest value once window has passed without new input.
// Completion flushes a pending value first; an error discards it.
func Debounce[T any](window time.Duration, sched Scheduler) Operator[T] {
	if sched == nil {
		sched = ImmediateScheduler
	}
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			var (
				mu      sync.Mutex
				latest  T
				pending bool
				gen     uint64
				cancel  func() bool
			)

			stopTimer := func() {
				if cancel != nil {
					cancel()
					cancel = nil
				}
			}

			take := func() (T, bool) {
				mu.Lock()
				defer mu.Unlock()
				stopTimer()
				v, ok := latest, pending
				var zero T
				latest, pending = zero, false
				return v, ok
			}

			return ObserverFuncs[T]{
				Next: func(v T) {
					mu.Lock()
					defer mu.Unlock()
					stopTimer()
					gen++
					current := gen
					latest, pending = v, true
					cancel = sched.AfterFunc(window, func() {
						mu.Lock()
						if current != gen || !pending {
							mu.Unlock()
							return
						}
						out := latest
						var zero T
						latest, pending, cancel = zero, false, nil
						mu.Unlock()
						down.OnNext(out)
					})
				},
				Error: func(err error) {
					take()
					down.OnError(err)
				},
				Completed: func() {
					if v, ok := take(); ok {
						down.OnNext(v)
					}
					down.OnCompleted()
				},
			}, func() { take() }
		})
	}
}

// Sample emits the most recent value every period, if one arrived since the
// previous tick.
func Sample[T any](period time.Duration, sched Scheduler) Operator[T] {
	if sched == nil {
		sched = ImmediateScheduler
	}
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			var (
				mu      sync.Mutex
				latest  T
				fresh   bool
				stopped bool
				cancel  func() bool
			)

			var tick func()
			tick = func() {
				mu.Lock()
				if stopped {
					mu.Unlock()
					return
				}
				v, ok := latest, fresh
				fresh = false
				cancel = sched.AfterFunc(period, tick)
				mu.Unlock()
				if ok {
					down.OnNext(v)
				}
			}

			mu.Lock()
			cancel = sched.AfterFunc(period, tick)
			mu.Unlock()

			halt := func() {
				mu.Lock()
				defer mu.Unlock()
				stopped = true
				if cancel != nil {
					cancel()
				}
			}

			return ObserverFuncs[T]{
				Next: func(v T) {
					mu.Lock()
					latest, fresh = v, true
					mu.Unlock()
				},
				Error: func(err error) {
					halt()
					down.OnError(err)
				},
				Completed: func() {
					halt()
					down.OnCompleted()
				},
			}, halt
		})
	}
}

// WindowCount batches every n values and emits reduce(batch). A partial batch
// is reduced and emitted on completion.
func WindowCount[T any](n int, reduce func([]T) T) Operator[T] {
	if n < 1 {
		n = 1
	}
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			batch := make([]T, 0, n)
			return ObserverFuncs[T]{
				Next: func(v T) {
					batch = append(batch, v)
					if len(batch) < n {
						return
					}
					full := batch
					batch = make([]T, 0, n)
					down.OnNext(reduce(full))
				},
				Error: down.OnError,
				Completed: func() {
					if len(batch) > 0 {
						down.OnNext(reduce(batch))
						batch = nil
					}
					down.OnCompleted()
				},
			}, nil
		})
	}
}

// Router delivers every value to the observers returned by dest, then to the
// downstream subscriber.
func Router[T any](dest func(T) []Observer[T]) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return lift(src, func(down Observer[T]) (Observer[T], func()) {
			return ObserverFuncs[T]{
				Next: func(v T) {
					for _, d := range dest(v) {
						d.OnNext(v)
					}
					down.OnNext(v)
				},
				Error:     down.OnError,
				Completed: down.OnCompleted,
			}, nil
		})
	}
}

// GroupAndPipe partitions values by key and runs an independent instance of
// ops per key. Outputs of all groups are merged downstream. Completion
// completes every group first so windows and debounces flush.
func GroupAndPipe[T any, K comparable](key func(T) K, ops ...Operator[T]) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return Create(func(down Observer[T]) Subscription {
			var mu sync.Mutex
			groups := make(map[K]*Subject[T])
			order := make([]*Subject[T], 0)
			comp := NewComposite()

			inner := ObserverFuncs[T]{Next: down.OnNext, Error: down.OnError}

			comp.Add(src.Subscribe(ObserverFuncs[T]{
				Next: func(v T) {
					k := key(v)
					mu.Lock()
					g, ok := groups[k]
					if !ok {
						g = NewSubject[T]()
						groups[k] = g
						order = append(order, g)
					}
					mu.Unlock()
					if !ok {
						comp.Add(Pipe[T](g, ops...).Subscribe(inner))
					}
					g.OnNext(v)
				},
				Error: down.OnError,
				Completed: func() {
					mu.Lock()
					all := append([]*Subject[T](nil), order...)
					mu.Unlock()
					for _, g := range all {
						g.OnCompleted()
					}
					down.OnCompleted()
				},
			}))
			return comp
		})
	}
}

// Through pushes the source into s and continues the pipeline from s, so other
// producers writing into s join the stream.
func Through[T any](s *Subject[T]) Operator[T] {
	return func(src Observable[T]) Observable[T] {
		return Create(func(down Observer[T]) Subscription {
			out := s.Subscribe(down)
			in := src.Subscribe(s)
			return NewComposite(out, in)
		})
	}
}
