package stream

import (
	"sync"
)

// Subject is both an Observer and an Observable: values pushed into it are
// broadcast to the current subscribers in subscription order. After an error
// or completion it stops forwarding values and replays the terminal signal
// to late subscribers.
type Subject[T any] struct {
	mu        sync.Mutex
	observers []*subjectObserver[T]
	stopped   bool
	err       error
}

type subjectObserver[T any] struct {
	Observer[T]
}

// NewSubject creates an open subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

func (s *Subject[T]) snapshot() []*subjectObserver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	return append([]*subjectObserver[T](nil), s.observers...)
}

// OnNext broadcasts v.
func (s *Subject[T]) OnNext(v T) {
	for _, o := range s.snapshot() {
		o.OnNext(v)
	}
}

func (s *Subject[T]) terminate(err error) []*subjectObserver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.err = err
	obs := s.observers
	s.observers = nil
	return obs
}

// OnError broadcasts err and stops the subject.
func (s *Subject[T]) OnError(err error) {
	for _, o := range s.terminate(err) {
		o.OnError(err)
	}
}

// OnCompleted broadcasts completion and stops the subject.
func (s *Subject[T]) OnCompleted() {
	for _, o := range s.terminate(nil) {
		o.OnCompleted()
	}
}

// Subscribe adds o to the broadcast list.
func (s *Subject[T]) Subscribe(o Observer[T]) Subscription {
	s.mu.Lock()
	if s.stopped {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			o.OnError(err)
		} else {
			o.OnCompleted()
		}
		return Empty
	}
	entry := &subjectObserver[T]{Observer: o}
	s.observers = append(s.observers, entry)
	s.mu.Unlock()

	return NewSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.observers {
			if e == entry {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	})
}

// HasObservers reports whether anyone is subscribed.
func (s *Subject[T]) HasObservers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers) > 0
}

// Stopped reports whether a terminal signal was received.
func (s *Subject[T]) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
