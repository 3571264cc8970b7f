package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/pkg/buffer"
	"github.com/c360/mapeflow/pkg/retry"
	"github.com/c360/mapeflow/stream"
)

// Defaults.
const (
	DefaultQueueSize = 1024
	socketBufferSize = 2 * 1024 * 1024
	maxDatagram      = 65536
	readPollInterval = 100 * time.Millisecond
	queuePolicy      = buffer.DropOldest
)

// Stats are the listener counters.
type Stats struct {
	Received int64
	Bytes    int64
	Invalid  int64
	Dropped  int64
	Errors   int64
}

// metrics are exported per listener; nil when no registry is given.
type metrics struct {
	packets *prometheus.CounterVec
	bytes   prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry, name string) *metrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"listener": name}
	m := &metrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "packets_total",
			Help:        "Datagrams received, by outcome",
			ConstLabels: labels,
		}, []string{"status"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Bytes received from UDP",
			ConstLabels: labels,
		}),
	}
	component := "udp:" + name
	if err := registry.RegisterCounterVec(component, "packets", m.packets); err != nil {
		return nil
	}
	if err := registry.RegisterCounter(component, "bytes", m.bytes); err != nil {
		registry.Unregister(component, "packets")
		return nil
	}
	return m
}

func (m *metrics) packet(status string) {
	if m != nil {
		m.packets.WithLabelValues(status).Inc()
	}
}

func (m *metrics) received(n int) {
	if m != nil {
		m.bytes.Add(float64(n))
	}
}

// Option configures a Listener.
type Option func(*Listener)

// WithScheduler delivers readings through s; the immediate scheduler by default.
func WithScheduler(s stream.Scheduler) Option {
	return func(l *Listener) {
		if s != nil {
			l.scheduler = s
		}
	}
}

// WithQueueSize bounds the datagrams waiting to be decoded. The oldest is
// dropped when full.
func WithQueueSize(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Listener) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithMetrics counts datagrams as bridge "udp" messages.
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Listener) { l.core = m }
}

// WithMetricsRegistry exports the per-listener packet counters.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(l *Listener) { l.registry = r }
}

// WithRetry sets the socket bind retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(l *Listener) { l.retry = cfg }
}

// Listener receives sensor readings as UDP datagrams and pushes them into a
// target observer, usually a monitor element.
type Listener struct {
	addr      string
	target    stream.Observer[any]
	scheduler stream.Scheduler
	queueSize int
	retry     retry.Config
	logger    *slog.Logger
	core      *metric.Metrics
	registry  *metric.MetricsRegistry
	metrics   *metrics
	codec     item.JSONCodec
	badLog    *rate.Limiter

	mu      sync.Mutex
	conn    *net.UDPConn
	queue   *buffer.Queue[[]byte]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	received atomic.Int64
	bytes    atomic.Int64
	invalid  atomic.Int64
	errors   atomic.Int64
	dropped  atomic.Int64
}

// NewListener creates a listener bound to addr (host:port) once started.
func NewListener(addr string, target stream.Observer[any], opts ...Option) *Listener {
	l := &Listener{
		addr:      addr,
		target:    target,
		scheduler: stream.ImmediateScheduler,
		queueSize: DefaultQueueSize,
		retry:     retry.Quick(),
		logger:    slog.Default(),
		badLog:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "udp_listener", "address", addr)
	l.metrics = newMetrics(l.registry, addr)
	return l
}

// Start binds the socket, retrying per the retry policy, and starts the read
// and dispatch goroutines.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Listener", "Start", "start udp listener")
	}
	if l.target == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Listener", "Start", "target is required")
	}

	conn, err := retry.DoWithResult(ctx, l.retry, l.bind)
	if err != nil {
		return errors.WrapTransient(err, "Listener", "Start", "socket binding")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.conn = conn
	l.cancel = cancel
	l.queue = buffer.New[[]byte](l.queueSize,
		buffer.WithPolicy[[]byte](queuePolicy),
		buffer.WithDropCallback(func([]byte) {
			l.dropped.Add(1)
			l.metrics.packet("dropped")
			l.core.RecordBridge("udp", "in", "dropped")
		}),
		buffer.WithMetrics[[]byte](l.core, "udp:"+l.addr))
	l.running.Store(true)

	l.wg.Add(2)
	go l.readLoop(runCtx, conn, l.queue)
	go l.dispatchLoop(runCtx, l.queue)

	l.logger.Info("UDP listener started", "bound", conn.LocalAddr().String())
	return nil
}

func (l *Listener) bind() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("resolve UDP address %s: %w", l.addr, err))
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on UDP %s: %w", l.addr, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		l.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	return conn, nil
}

// Addr returns the bound address once started, the configured one before.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.LocalAddr().String()
	}
	return l.addr
}

// Stop closes the socket, lets the queued datagrams drain and waits up to
// timeout for both goroutines.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		return nil
	}
	l.running.Store(false)
	_ = l.conn.Close()
	l.queue.Close()
	cancel := l.cancel
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cancel()
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Listener", "Stop", "graceful shutdown")
	}
	cancel()

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
	return nil
}

// Stats returns the listener counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Received: l.received.Load(),
		Bytes:    l.bytes.Load(),
		Invalid:  l.invalid.Load(),
		Dropped:  l.dropped.Load(),
		Errors:   l.errors.Load(),
	}
}

func (l *Listener) readLoop(ctx context.Context, conn *net.UDPConn, queue *buffer.Queue[[]byte]) {
	defer l.wg.Done()

	packet := make([]byte, maxDatagram)
	for l.running.Load() {
		// The deadline lets the loop notice Stop even without traffic.
		_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := conn.ReadFromUDP(packet)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !l.running.Load() || ctx.Err() != nil {
				return
			}
			l.errors.Add(1)
			l.metrics.packet("error")
			l.logger.Error("UDP read failed", "error", err)
			return
		}

		l.received.Add(1)
		l.bytes.Add(int64(n))
		l.metrics.received(n)

		data := make([]byte, n)
		copy(data, packet[:n])
		if err := queue.Push(ctx, data); err != nil {
			return
		}
	}
}

func (l *Listener) dispatchLoop(ctx context.Context, queue *buffer.Queue[[]byte]) {
	defer l.wg.Done()
	for {
		data, err := queue.Pop(ctx)
		if err != nil {
			return
		}
		v, err := l.decode(data)
		if err != nil {
			l.invalid.Add(1)
			l.metrics.packet("invalid")
			l.core.RecordBridge("udp", "in", "error")
			if l.badLog.Allow() {
				l.logger.Warn("Cannot decode datagram", "size", len(data), "error", err)
			}
			continue
		}
		l.metrics.packet("ok")
		l.core.RecordBridge("udp", "in", "ok")
		target := l.target
		l.scheduler.Schedule(func() { target.OnNext(v) })
	}
}

// decode accepts a wire envelope, so peers can send addressed messages, or
// any plain JSON value such as {"speed": 120}.
func (l *Listener) decode(data []byte) (any, error) {
	var probe struct {
		V    int    `json:"v"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.V > 0 && probe.Kind != "" {
		n, err := l.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		if n.Kind != item.KindNext {
			return nil, fmt.Errorf("terminal signal %s not accepted over UDP", n.Kind)
		}
		return n.Value, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.WrapInvalid(err, "Listener", "decode", "unmarshal reading")
	}
	return v, nil
}
