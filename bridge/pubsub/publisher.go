package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/pkg/buffer"
)

// DefaultQueueSize bounds the publisher queue.
const DefaultQueueSize = 1024

// Option configures a Publisher or Subscriber.
type Option func(*options)

type options struct {
	codec     item.Codec
	logger    *slog.Logger
	metrics   *metric.Metrics
	queueSize int
	policy    buffer.OverflowPolicy
	scheduler interface{ Schedule(func()) }
	metadata  bool
	terminals bool
}

func defaults() options {
	return options{
		codec:     item.JSONCodec{},
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		policy:    buffer.DropOldest,
		terminals: true,
	}
}

// WithCodec sets the frame codec; JSON by default.
func WithCodec(c item.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records bridge counters and queue depth.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithQueue sets the publisher queue size and overflow policy.
func WithQueue(size int, policy buffer.OverflowPolicy) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
		o.policy = policy
	}
}

// Publisher is a stream observer that publishes every signal it receives.
// Signals are queued so a slow transport never blocks the producing pipeline.
// An empty channel publishes each item on its source path.
type Publisher struct {
	transport Transport
	channel   string
	opts      options
	logger    *slog.Logger
	queue     *buffer.Queue[outgoing]
	failLog   *rate.Limiter

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

type outgoing struct {
	channel string
	data    []byte
}

// NewPublisher creates a publisher; call Start to begin draining.
func NewPublisher(transport Transport, channel string, opts ...Option) *Publisher {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	p := &Publisher{
		transport: transport,
		channel:   channel,
		opts:      o,
		logger:    o.logger.With("component", "pubsub_publisher", "transport", transport.Name(), "channel", channel),
		failLog:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	p.queue = buffer.New(o.queueSize,
		buffer.WithPolicy[outgoing](o.policy),
		buffer.WithMetrics[outgoing](o.metrics, channel),
		buffer.WithDropCallback(func(f outgoing) {
			o.metrics.RecordBridge(transport.Name(), "out", "dropped")
			if p.failLog.Allow() {
				p.logger.Warn("Publisher queue full, dropped frame", "channel", f.channel)
			}
		}),
	)
	return p
}

// Channel returns the configured channel, empty for per-item channels.
func (p *Publisher) Channel() string { return p.channel }

// OnNext implements stream.Observer.
func (p *Publisher) OnNext(v any) { p.enqueue(p.channelOf(v), item.Next(v)) }

// OnError implements stream.Observer.
func (p *Publisher) OnError(err error) { p.enqueue(p.channel, item.Error(err)) }

// OnCompleted implements stream.Observer.
func (p *Publisher) OnCompleted() { p.enqueue(p.channel, item.Completed()) }

func (p *Publisher) channelOf(v any) string {
	if p.channel != "" {
		return p.channel
	}
	return item.SourceOf(v)
}

func (p *Publisher) enqueue(channel string, n item.Notification) {
	if channel == "" {
		p.opts.metrics.RecordBridge(p.transport.Name(), "out", "dropped")
		p.logger.Warn("No channel for item, dropped", "kind", n.Kind.String(), "value", fmt.Sprint(n.Value))
		return
	}
	data, err := p.opts.codec.Encode(n)
	if err != nil {
		p.opts.metrics.RecordBridge(p.transport.Name(), "out", "error")
		p.logger.Error("Cannot encode item", "error", err, "value", fmt.Sprint(n.Value))
		return
	}
	if err := p.queue.Push(context.Background(), outgoing{channel: channel, data: data}); err != nil &&
		!errors.Is(err, errors.ErrQueueFull) {
		p.logger.Warn("Publisher closed, dropped frame", "error", err)
	}
}

// Start launches the background drain. The drain stops when ctx is cancelled
// or after Stop flushed the queue.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Publisher", "Start", "start drain")
	}
	p.started = true
	p.done = make(chan struct{})
	go p.drain(ctx)
	p.logger.Debug("Publisher started")
	return nil
}

func (p *Publisher) drain(ctx context.Context) {
	defer close(p.done)
	for {
		f, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := p.transport.Publish(ctx, f.channel, f.data); err != nil {
			p.opts.metrics.RecordBridge(p.transport.Name(), "out", "error")
			if p.failLog.Allow() {
				p.logger.Error("Publish failed, frame dropped", "channel", f.channel, "error", err)
			}
			continue
		}
		p.opts.metrics.RecordBridge(p.transport.Name(), "out", "ok")
	}
}

// Stop refuses new items and waits up to timeout for queued ones to be sent.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.queue.Close()

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Publisher", "Stop",
			fmt.Sprintf("flush %d queued frames", p.queue.Len()))
	}
}

// Pending returns the number of queued frames.
func (p *Publisher) Pending() int { return p.queue.Len() }
