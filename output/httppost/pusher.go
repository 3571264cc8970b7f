package httppost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mapeflow/errors"
	gatewayhttp "github.com/c360/mapeflow/gateway/http"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/mape"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/pkg/worker"
)

// Defaults.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultQueueSize = 256
)

// Option configures a Pusher.
type Option func(*Pusher)

// WithPort selects the remote port, mape.PortIn (default) or mape.PortOut.
func WithPort(port string) Option {
	return func(p *Pusher) { p.port = port }
}

// WithCodec sets the body codec; JSON by default.
func WithCodec(c item.Codec) Option {
	return func(p *Pusher) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(p *Pusher) {
		if c != nil {
			p.client = c
		}
	}
}

// WithHeaders adds static request headers.
func WithHeaders(h map[string]string) Option {
	return func(p *Pusher) {
		for k, v := range h {
			p.headers.Set(k, v)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pusher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics counts requests as bridge "http" messages.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pusher) { p.metrics = m }
}

// WithMetricsRegistry exports the worker pool metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(p *Pusher) { p.registry = r }
}

// WithWorkers sets the number of concurrent requests. More than one worker
// gives up ordering.
func WithWorkers(n int) Option {
	return func(p *Pusher) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize bounds the requests waiting for a worker.
func WithQueueSize(n int) Option {
	return func(p *Pusher) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

type request struct {
	kind item.NotificationKind
	body []byte
}

// Pusher posts every observed signal to a remote element.
type Pusher struct {
	endpoint  string
	port      string
	codec     item.Codec
	client    *http.Client
	headers   http.Header
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	workers   int
	queueSize int
	dropLog   *rate.Limiter

	pool *worker.Pool[request]
}

// NewPusher creates a pusher for the element at path on the server at
// baseURL. path is either an element path "loop.element" or an absolute URL
// path starting with "/".
func NewPusher(baseURL, path string, opts ...Option) (*Pusher, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("invalid base url %q", baseURL),
			"Pusher", "NewPusher", "parse base url")
	}
	if !strings.HasPrefix(path, "/") {
		if path, err = gatewayhttp.NotifyPath(path); err != nil {
			return nil, err
		}
	}

	p := &Pusher{
		endpoint:  strings.TrimSuffix(base.String(), "/") + path,
		port:      mape.PortIn,
		codec:     item.JSONCodec{},
		client:    &http.Client{Timeout: DefaultTimeout},
		headers:   make(http.Header),
		logger:    slog.Default(),
		workers:   1,
		queueSize: DefaultQueueSize,
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.port != mape.PortIn && p.port != mape.PortOut {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown port %q", p.port), "Pusher", "NewPusher", "select port")
	}
	p.logger = p.logger.With("component", "http_pusher", "endpoint", p.endpoint, "port", p.port)

	poolOpts := []worker.Option[request]{
		worker.WithName[request]("http_push:" + path),
		worker.WithLogger[request](p.logger),
	}
	if p.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[request](p.registry))
	}
	p.pool = worker.NewPool(p.workers, p.queueSize, p.post, poolOpts...)
	return p, nil
}

// Endpoint returns the notify URL without query parameters.
func (p *Pusher) Endpoint() string { return p.endpoint }

// Start launches the workers.
func (p *Pusher) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return errors.WrapInvalid(err, "Pusher", "Start", "start worker pool")
	}
	return nil
}

// Stop waits up to timeout for queued requests.
func (p *Pusher) Stop(timeout time.Duration) error {
	if err := p.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Pusher", "Stop", "drain requests")
	}
	return nil
}

// Stats returns the worker pool counters.
func (p *Pusher) Stats() worker.Stats { return p.pool.Stats() }

// OnNext implements stream.Observer.
func (p *Pusher) OnNext(v any) { p.submit(item.Next(v)) }

// OnError implements stream.Observer.
func (p *Pusher) OnError(err error) { p.submit(item.Error(err)) }

// OnCompleted implements stream.Observer.
func (p *Pusher) OnCompleted() { p.submit(item.Completed()) }

func (p *Pusher) submit(n item.Notification) {
	body, err := p.codec.Encode(n)
	if err != nil {
		p.metrics.RecordBridge("http", "out", "error")
		p.logger.Error("Cannot encode notification", "kind", n.Kind.String(), "error", err)
		return
	}
	if err := p.pool.Submit(request{kind: n.Kind, body: body}); err != nil {
		p.metrics.RecordBridge("http", "out", "dropped")
		if p.dropLog.Allow() {
			p.logger.Warn("Notification dropped", "kind", n.Kind.String(), "error", err)
		}
	}
}

func (p *Pusher) post(ctx context.Context, r request) error {
	q := url.Values{}
	q.Set(gatewayhttp.ParamPort, p.port)
	q.Set(gatewayhttp.ParamNotification, r.kind.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"?"+q.Encode(), bytes.NewReader(r.body))
	if err != nil {
		return p.failed(errors.WrapInvalid(err, "Pusher", "post", "build request"))
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", p.codec.ContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return p.failed(errors.WrapTransient(err, "Pusher", "post", "send request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return p.failed(errors.WrapTransient(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(text))),
			"Pusher", "post", "deliver notification"))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	p.metrics.RecordBridge("http", "out", "ok")
	return nil
}

func (p *Pusher) failed(err error) error {
	p.metrics.RecordBridge("http", "out", "error")
	p.logger.Error("HTTP push failed", "error", err)
	return err
}
