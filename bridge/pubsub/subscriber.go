package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/stream"
)

// WithScheduler sets where received signals are injected; the event loop in
// a running process.
func WithScheduler(s stream.Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithChannelMetadata wraps every received value in a Received carrying the
// transport channel.
func WithChannelMetadata() Option {
	return func(o *options) { o.metadata = true }
}

// WithoutTerminalSignals ignores remote error and completion frames, so one
// publisher finishing does not complete a pattern shared by many.
func WithoutTerminalSignals() Option {
	return func(o *options) { o.terminals = false }
}

// Received is a value with its transport metadata.
type Received struct {
	Channel string
	Pattern string
	Value   any
}

// Subscriber turns frames on matching channels back into a local stream.
type Subscriber struct {
	transport Transport
	patterns  []string
	opts      options
	logger    *slog.Logger
	subject   *stream.Subject[any]

	mu  sync.Mutex
	sub Subscription
}

var _ stream.Observable[any] = (*Subscriber)(nil)

// NewSubscriber creates a subscriber for the given glob patterns.
func NewSubscriber(transport Transport, patterns []string, opts ...Option) *Subscriber {
	o := defaults()
	o.scheduler = stream.ImmediateScheduler
	for _, opt := range opts {
		opt(&o)
	}
	return &Subscriber{
		transport: transport,
		patterns:  append([]string(nil), patterns...),
		opts:      o,
		logger:    o.logger.With("component", "pubsub_subscriber", "transport", transport.Name(), "patterns", patterns),
		subject:   stream.NewSubject[any](),
	}
}

// Patterns returns the subscribed patterns.
func (s *Subscriber) Patterns() []string { return append([]string(nil), s.patterns...) }

// Subscribe attaches o to the received stream.
func (s *Subscriber) Subscribe(o stream.Observer[any]) stream.Subscription {
	return s.subject.Subscribe(o)
}

// Start subscribes on the transport. A failed subscription is not retried.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Subscriber", "Start", "subscribe")
	}
	if len(s.patterns) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Subscriber", "Start", "subscribe without patterns")
	}

	sub, err := s.transport.Subscribe(ctx, s.patterns, s.receive)
	if err != nil {
		s.logger.Error("Subscription failed", "error", err)
		return err
	}
	s.sub = sub
	s.logger.Debug("Subscriber started")
	return nil
}

func (s *Subscriber) receive(f Frame) {
	n, err := s.opts.codec.Decode(f.Data)
	if err != nil {
		s.opts.metrics.RecordBridge(s.transport.Name(), "in", "error")
		s.logger.Warn("Cannot decode frame", "channel", f.Channel, "error", err)
		return
	}
	s.opts.metrics.RecordBridge(s.transport.Name(), "in", "ok")

	if n.Kind != item.KindNext && !s.opts.terminals {
		return
	}
	v := n.Value
	if s.opts.metadata {
		v = &Received{Channel: f.Channel, Pattern: f.Pattern, Value: n.Value}
	}
	s.opts.scheduler.Schedule(func() {
		switch n.Kind {
		case item.KindError:
			s.subject.OnError(n.Err)
		case item.KindCompleted:
			s.subject.OnCompleted()
		default:
			s.subject.OnNext(v)
		}
	})
}

// Stop ends the transport subscription. timeout bounds the wait for the
// receive goroutine.
func (s *Subscriber) Stop(timeout time.Duration) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- sub.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Subscriber", "Stop", "close subscription")
	}
}

// Done is closed when the transport subscription ended; nil before Start.
func (s *Subscriber) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	return s.sub.Done()
}
