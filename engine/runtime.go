package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/c360/mapeflow/bridge/pubsub"
	"github.com/c360/mapeflow/config"
	"github.com/c360/mapeflow/errors"
	gatewayhttp "github.com/c360/mapeflow/gateway/http"
	"github.com/c360/mapeflow/health"
	"github.com/c360/mapeflow/input/udp"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/mape"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/natsclient"
	outputfile "github.com/c360/mapeflow/output/file"
	"github.com/c360/mapeflow/output/httppost"
	"github.com/c360/mapeflow/pkg/buffer"
	"github.com/c360/mapeflow/pkg/eventloop"
	"github.com/c360/mapeflow/pkg/retry"
	"github.com/c360/mapeflow/pkg/tlsutil"
	"github.com/c360/mapeflow/stream"
)

// DefaultShutdownTimeout bounds Shutdown when its context has no deadline.
const DefaultShutdownTimeout = 10 * time.Second

// bridge is the lifecycle shared by publishers, subscribers and pushers.
type bridge interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Runtime owns the process-wide infrastructure of a MAPE-K application: the
// event loop every pipeline runs on, the Knowledge store client, the pub/sub
// transport, the HTTP gateway and the metrics endpoint.
//
// Loops are declared on App() between New and Init. Bridges created through
// Publisher, Subscriber, Pusher, Recorder and UDPListener are started by
// Init, or immediately when the runtime is already running, and stopped by
// Shutdown.
type Runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	rtm      *runtimeMetrics

	loop      *eventloop.Loop
	redis     redis.UniversalClient
	ownsRedis bool
	nats      *natsclient.Client
	ownsNATS  bool
	transport pubsub.Transport
	codec     item.Codec
	policy    buffer.OverflowPolicy
	pushTLS   *tls.Config

	app           *mape.App
	health        *health.Monitor
	gateway       *gatewayhttp.Server
	metricsServer *metric.Server

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context

	mu             sync.Mutex
	started        bool
	stopped        bool
	loopStarted    bool
	gatewayStarted bool
	bridges        []bridge
	bridgesStarted int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger. It is handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRedisClient uses an existing client instead of dialing cfg.Redis.URL.
// The runtime does not close it.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(r *Runtime) {
		r.redis = c
	}
}

// WithNATSClient uses an existing client for the nats transport. The runtime
// connects it if needed but does not close it.
func WithNATSClient(c *natsclient.Client) Option {
	return func(r *Runtime) {
		r.nats = c
	}
}

// WithMetricsRegistry registers runtime metrics on an existing registry.
func WithMetricsRegistry(reg *metric.MetricsRegistry) Option {
	return func(r *Runtime) {
		r.registry = reg
	}
}

// New validates cfg and builds every component without touching the network.
// A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.registry == nil && cfg.Metrics.Enabled {
		r.registry = metric.NewMetricsRegistry()
	}
	r.metrics = r.registry.CoreMetrics()
	rtm, err := newRuntimeMetrics(r.registry)
	if err != nil {
		r.logger.Warn("Runtime metrics not registered", "error", err)
	}
	r.rtm = rtm

	var buildErr error
	if r.codec, buildErr = item.CodecByName(cfg.PubSub.Codec); buildErr != nil {
		return nil, buildErr
	}
	if r.policy, buildErr = buffer.ParsePolicy(cfg.PubSub.Overflow); buildErr != nil {
		return nil, buildErr
	}
	if r.pushTLS, buildErr = tlsutil.ClientConfig(cfg.REST.ClientTLS); buildErr != nil {
		return nil, buildErr
	}

	r.loop = eventloop.New(
		eventloop.WithLogger(r.logger),
		eventloop.WithMetrics(r.metrics),
		eventloop.WithCapacity(cfg.EventLoop.QueueSize),
	)

	if err := r.buildRedis(); err != nil {
		return nil, err
	}
	if err := r.buildTransport(); err != nil {
		return nil, err
	}

	r.app = mape.NewApp(
		mape.WithKnowledgeClient(r.redis),
		mape.WithScheduler(r.loop),
		mape.WithLogger(r.logger),
		mape.WithMetrics(r.metrics),
		mape.WithContext(r.ctx),
	)

	r.health = health.NewMonitor()
	r.registerHealthChecks()

	if cfg.REST.HostPort != "" {
		gwOpts := []gatewayhttp.Option{
			gatewayhttp.WithAddress(cfg.REST.HostPort),
			gatewayhttp.WithLogger(r.logger),
			gatewayhttp.WithMetrics(r.metrics),
			gatewayhttp.WithHealth(r.health),
			gatewayhttp.WithMaxRequestSize(cfg.REST.MaxRequestSize),
		}
		if len(cfg.REST.CORSOrigins) > 0 {
			gwOpts = append(gwOpts, gatewayhttp.WithCORS(cfg.REST.CORSOrigins...))
		}
		serverTLS, err := tlsutil.ServerConfig(cfg.REST.TLS)
		if err != nil {
			return nil, err
		}
		if serverTLS != nil {
			gwOpts = append(gwOpts, gatewayhttp.WithTLS(serverTLS))
		}
		r.gateway = gatewayhttp.NewServer(r.app, r.loop, gwOpts...)
	}

	if cfg.Metrics.Enabled {
		r.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, r.registry)
	}

	r.logger = r.logger.With("component", "runtime")
	return r, nil
}

func (r *Runtime) buildRedis() error {
	if r.redis != nil || r.cfg.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(r.cfg.Redis.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "New", "parse redis url")
	}
	if r.cfg.Redis.DB != 0 {
		opts.DB = r.cfg.Redis.DB
	}
	if r.cfg.Redis.Password != "" {
		opts.Password = r.cfg.Redis.Password
	}
	if d := r.cfg.Redis.DialTimeout.D(); d > 0 {
		opts.DialTimeout = d
	}
	tlsCfg, err := tlsutil.ClientConfig(r.cfg.Redis.TLS)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName, _, _ = net.SplitHostPort(opts.Addr)
		}
		opts.TLSConfig = tlsCfg
	}
	r.redis = redis.NewClient(opts)
	r.ownsRedis = true
	return nil
}

func (r *Runtime) buildTransport() error {
	switch r.cfg.PubSub.Transport {
	case config.TransportNATS:
		if r.nats == nil {
			natsOpts := []natsclient.ClientOption{
				natsclient.WithLogger(r.logger),
				natsclient.WithName("mapeflow"),
				natsclient.WithMaxReconnects(r.cfg.NATS.MaxReconnects),
			}
			if d := r.cfg.NATS.ReconnectWait.D(); d > 0 {
				natsOpts = append(natsOpts, natsclient.WithReconnectWait(d))
			}
			if r.cfg.NATS.Token != "" {
				natsOpts = append(natsOpts, natsclient.WithToken(r.cfg.NATS.Token))
			}
			tlsCfg, err := tlsutil.ClientConfig(r.cfg.NATS.TLS)
			if err != nil {
				return err
			}
			if tlsCfg != nil {
				natsOpts = append(natsOpts, natsclient.WithTLSConfig(tlsCfg))
			}
			client, err := natsclient.NewClient(r.cfg.NATS.URL, natsOpts...)
			if err != nil {
				return errors.Wrap(err, "Runtime", "New", "create nats client")
			}
			r.nats = client
			r.ownsNATS = true
		}
		r.transport = pubsub.NewNATSTransport(r.nats, r.cfg.NATS.SubjectPrefix)
	default:
		if r.redis != nil {
			r.transport = pubsub.NewRedisTransport(r.redis)
		}
	}
	return nil
}

func (r *Runtime) registerHealthChecks() {
	r.health.Register("eventloop", func(context.Context) health.Status {
		if r.loop.Running() {
			return health.NewHealthy("eventloop", fmt.Sprintf("%d pending", r.loop.Pending()))
		}
		return health.NewUnhealthy("eventloop", "not running")
	})
	if r.redis != nil {
		r.health.Register("knowledge", func(ctx context.Context) health.Status {
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return health.FromError("knowledge", err)
			}
			return health.NewHealthy("knowledge", "store reachable")
		})
	}
	if r.nats != nil {
		r.health.Register("nats", func(context.Context) health.Status {
			if r.nats.IsHealthy() {
				return health.NewHealthy("nats", "connected")
			}
			return health.NewUnhealthy("nats", r.nats.Status().String())
		})
	}
}

// Init connects to the store and transport, starts the event loop, the
// servers and every bridge created so far. Dialing is retried with backoff
// while ctx allows. Dialing happens before anything starts; when a later step
// fails, the parts already running are kept and a further Init resumes from
// the failed step.
func (r *Runtime) Init(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.WrapInvalid(errors.ErrStopped, "Runtime", "Init", "init runtime")
	}
	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Runtime", "Init", "init runtime")
	}

	begin := time.Now()
	defer func() {
		r.rtm.recordPhase("init", err == nil, time.Since(begin).Seconds())
	}()

	if r.redis != nil {
		if err := r.connectRedis(ctx); err != nil {
			return err
		}
	}
	if r.nats != nil && r.cfg.PubSub.Transport == config.TransportNATS {
		if err := r.connectNATS(ctx); err != nil {
			return err
		}
	}

	if !r.loopStarted {
		if err := r.loop.Start(r.ctx); err != nil {
			return err
		}
		r.loopStarted = true
	}

	if r.group == nil {
		r.group, r.groupCtx = errgroup.WithContext(r.ctx)
		if r.metricsServer != nil {
			srv := r.metricsServer
			r.group.Go(func() error {
				if err := srv.Start(); err != nil {
					r.logger.Error("Metrics server stopped", "error", err)
					return err
				}
				return nil
			})
			r.logger.Info("Metrics server starting", "address", srv.Address())
		}
	}
	if r.gateway != nil && !r.gatewayStarted {
		if err := r.gateway.Start(r.groupCtx); err != nil {
			return err
		}
		r.gatewayStarted = true
	}

	// bridges[:bridgesStarted] are running.
	for _, b := range r.bridges[r.bridgesStarted:] {
		if err := b.Start(r.ctx); err != nil {
			return err
		}
		r.bridgesStarted++
	}

	r.started = true
	r.logger.Info("Runtime started",
		"loops", len(r.app.Loops()),
		"levels", r.app.LevelUIDs(),
		"bridges", len(r.bridges))
	return nil
}

func (r *Runtime) connectRedis(ctx context.Context) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	err := retry.Do(ctx, cfg, func() error {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			r.logger.Debug("Knowledge store not reachable yet", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Runtime", "Init", "connect knowledge store")
	}

	if r.cfg.Redis.Notifications {
		if err := r.app.K().EnableNotifications(ctx); err != nil {
			// Managed stores often refuse CONFIG SET; keyspace events must then be
			// configured on the server.
			r.logger.Warn("Keyspace notifications not enabled", "error", err)
		}
	}
	return nil
}

func (r *Runtime) connectNATS(ctx context.Context) error {
	if r.nats.IsHealthy() {
		return nil
	}
	r.logger.Info("Connecting to NATS")
	if err := r.nats.Connect(ctx); err != nil {
		return errors.Wrap(err, "Runtime", "Init", "connect nats")
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.nats.WaitForConnection(connCtx); err != nil {
		return errors.Wrap(err, "Runtime", "Init", "wait for nats connection")
	}
	return nil
}

// Shutdown stops elements, bridges, servers, the event loop and the clients
// the runtime created, in that order. It waits until ctx is done or
// DefaultShutdownTimeout passes.
func (r *Runtime) Shutdown(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	bridges := append([]bridge(nil), r.bridges...)
	r.mu.Unlock()

	begin := time.Now()
	defer func() {
		r.rtm.recordPhase("shutdown", err == nil, time.Since(begin).Seconds())
		r.rtm.resetBridges()
	}()

	timeout := DefaultShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	r.app.Stop()

	var stops errgroup.Group
	for _, b := range bridges {
		stops.Go(func() error { return b.Stop(timeout) })
	}
	if r.gateway != nil {
		stops.Go(func() error { return r.gateway.Stop(timeout) })
	}
	if r.metricsServer != nil {
		stops.Go(func() error { return r.metricsServer.Stop(timeout) })
	}
	err = stops.Wait()
	if err != nil {
		r.logger.Error("Error stopping components", "error", err)
	}

	if loopErr := r.loop.Stop(timeout); loopErr != nil && err == nil {
		err = loopErr
	}
	r.cancel()
	if r.group != nil {
		_ = r.group.Wait()
	}

	if r.ownsNATS && r.nats != nil {
		if closeErr := r.nats.Close(ctx); closeErr != nil {
			r.logger.Warn("Closing NATS client", "error", closeErr)
		}
	}
	if r.ownsRedis && r.redis != nil {
		if closeErr := r.redis.Close(); closeErr != nil {
			r.logger.Warn("Closing knowledge store client", "error", closeErr)
		}
	}

	r.logger.Info("Runtime stopped", "duration", time.Since(begin))
	return err
}

// App returns the application loops are declared on.
func (r *Runtime) App() *mape.App { return r.app }

// Scheduler returns the event loop every pipeline push runs on.
func (r *Runtime) Scheduler() stream.Scheduler { return r.loop }

// Health returns the monitor behind GET /healthz.
func (r *Runtime) Health() *health.Monitor { return r.health }

// Registry returns the metrics registry, nil when metrics are disabled.
func (r *Runtime) Registry() *metric.MetricsRegistry { return r.registry }

// Gateway returns the HTTP bridge, nil when REST is disabled.
func (r *Runtime) Gateway() *gatewayhttp.Server { return r.gateway }

// Config returns the validated configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

func (r *Runtime) adopt(kind string, b bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errors.WrapInvalid(errors.ErrStopped, "Runtime", "adopt", "add "+kind)
	}
	if r.started {
		if err := b.Start(r.ctx); err != nil {
			return err
		}
		r.bridgesStarted++
	}
	r.bridges = append(r.bridges, b)
	r.rtm.addBridge(kind)
	return nil
}

func (r *Runtime) pubsubDefaults() []pubsub.Option {
	return []pubsub.Option{
		pubsub.WithCodec(r.codec),
		pubsub.WithLogger(r.logger),
		pubsub.WithMetrics(r.metrics),
		pubsub.WithQueue(r.cfg.PubSub.QueueSize, r.policy),
		pubsub.WithScheduler(r.loop),
	}
}

// Publisher returns an observer that publishes every notification it receives
// on channel. An empty channel publishes each item on its source path.
func (r *Runtime) Publisher(channel string, opts ...pubsub.Option) (*pubsub.Publisher, error) {
	if r.transport == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Runtime", "Publisher", "select pub/sub transport")
	}
	p := pubsub.NewPublisher(r.transport, channel, append(r.pubsubDefaults(), opts...)...)
	if err := r.adopt("publisher", p); err != nil {
		return nil, err
	}
	return p, nil
}

// Subscriber returns an observable of the notifications published on every
// channel matching one of patterns, delivered on the event loop.
func (r *Runtime) Subscriber(patterns ...string) (*pubsub.Subscriber, error) {
	return r.NewSubscriber(patterns)
}

// NewSubscriber is Subscriber with extra options.
func (r *Runtime) NewSubscriber(patterns []string, opts ...pubsub.Option) (*pubsub.Subscriber, error) {
	if r.transport == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Runtime", "Subscriber", "select pub/sub transport")
	}
	if len(patterns) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Runtime", "Subscriber", "require patterns")
	}
	s := pubsub.NewSubscriber(r.transport, patterns, append(r.pubsubDefaults(), opts...)...)
	if err := r.adopt("subscriber", s); err != nil {
		return nil, err
	}
	return s, nil
}

// Pusher returns an observer that POSTs every notification to the element at
// path on a remote gateway. An empty baseURL means cfg.REST.BaseURL.
func (r *Runtime) Pusher(baseURL, path string, opts ...httppost.Option) (*httppost.Pusher, error) {
	if baseURL == "" {
		baseURL = r.cfg.REST.BaseURL
	}
	client := &http.Client{Timeout: r.cfg.REST.PushTimeout.D()}
	if r.pushTLS != nil {
		client.Transport = &http.Transport{TLSClientConfig: r.pushTLS.Clone()}
	}
	defaults := []httppost.Option{
		httppost.WithClient(client),
		httppost.WithLogger(r.logger),
		httppost.WithMetrics(r.metrics),
		httppost.WithMetricsRegistry(r.registry),
	}
	p, err := httppost.NewPusher(baseURL, path, append(defaults, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := r.adopt("pusher", p); err != nil {
		return nil, err
	}
	return p, nil
}

// Recorder returns a file recorder started and stopped with the runtime. Tap
// it on any element to capture that element's output.
func (r *Runtime) Recorder(path string, opts ...outputfile.Option) (*outputfile.Recorder, error) {
	defaults := []outputfile.Option{
		outputfile.WithLogger(r.logger),
		outputfile.WithMetrics(r.metrics),
	}
	rec := outputfile.NewRecorder(path, append(defaults, opts...)...)
	if err := r.adopt("recorder", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UDPListener returns a listener feeding readings received on addr into
// target through the event loop. It is started and stopped with the runtime.
func (r *Runtime) UDPListener(addr string, target stream.Observer[any], opts ...udp.Option) (*udp.Listener, error) {
	defaults := []udp.Option{
		udp.WithScheduler(r.loop),
		udp.WithLogger(r.logger),
		udp.WithMetrics(r.metrics),
		udp.WithMetricsRegistry(r.registry),
	}
	l := udp.NewListener(addr, target, append(defaults, opts...)...)
	if err := r.adopt("udp", l); err != nil {
		return nil, err
	}
	return l, nil
}
