package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mapeflow/metric"
)

// Processor handles one task.
type Processor[T any] func(ctx context.Context, task T) error

// Pool processes tasks of type T concurrently.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor Processor[T]
	logger    *slog.Logger

	queue chan T
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	registry *metric.MetricsRegistry
	metrics  *poolMetrics
}

type poolMetrics struct {
	tasks    *prometheus.CounterVec
	depth    prometheus.Gauge
	duration prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithName labels logs and metrics.
func WithName[T any](name string) Option[T] {
	return func(p *Pool[T]) { p.name = name }
}

// WithLogger sets the logger used for failed tasks.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetricsRegistry exports task counters, queue depth and durations.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) { p.registry = registry }
}

// NewPool creates a pool. Non-positive sizes default to 4 workers and a queue
// of 256. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor Processor[T], opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		name:      "pool",
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker", "pool", p.name)
	if p.registry != nil {
		p.initMetrics()
	}
	return p
}

func (p *Pool[T]) initMetrics() {
	m := &poolMetrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "tasks_total",
			Help:        "Tasks by outcome",
			ConstLabels: prometheus.Labels{"pool": p.name},
		}, []string{"status"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Tasks waiting for a worker",
			ConstLabels: prometheus.Labels{"pool": p.name},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "task_duration_seconds",
			Help:        "Task processing time",
			ConstLabels: prometheus.Labels{"pool": p.name},
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
	component := "worker_" + p.name
	for _, err := range []error{
		p.registry.RegisterCounterVec(component, "tasks_total", m.tasks),
		p.registry.RegisterGauge(component, "queue_depth", m.depth),
		p.registry.RegisterHistogram(component, "task_duration_seconds", m.duration),
	} {
		if err != nil {
			p.logger.Warn("Worker metric not registered", "error", err)
		}
	}
	p.metrics = m
}

func (p *Pool[T]) count(status string) {
	if p.metrics != nil {
		p.metrics.tasks.WithLabelValues(status).Inc()
		p.metrics.depth.Set(float64(len(p.queue)))
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop drained
// the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.started = true
	return nil
}

// Submit queues task without blocking.
func (p *Pool[T]) Submit(task T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	switch {
	case p.stopped:
		return ErrPoolStopped
	case !p.started:
		return ErrPoolNotStarted
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.count("submitted")
		return nil
	default:
		p.dropped.Add(1)
		p.count("dropped")
		return ErrQueueFull
	}
}

// Stop refuses new tasks and waits up to timeout for queued ones.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (p *Pool[T]) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, task T) {
	start := time.Now()
	err := p.safeProcess(ctx, task)
	if p.metrics != nil {
		p.metrics.duration.Observe(time.Since(start).Seconds())
	}

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.count("failed")
		p.logger.Debug("Task failed", "error", err)
		return
	}
	p.count("processed")
}

func (p *Pool[T]) safeProcess(ctx context.Context, task T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.processor(ctx, task)
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}
