package engine

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mapeflow/config"
	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/mape"
	"github.com/c360/mapeflow/metric"
)

type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) OnNext(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) OnError(error) {}

func (r *recorder) OnCompleted() {}

func (r *recorder) Values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func testConfig(t *testing.T) (*config.Config, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.REST.HostPort = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	return cfg, mr
}

func newRuntime(t *testing.T, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func TestRuntime_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PubSub.Transport = "carrier-pigeon"

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))
}

func TestRuntime_Lifecycle(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)
	ctx := context.Background()

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	_, err = mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)

	require.NoError(t, rt.Init(ctx))

	err = rt.Init(ctx)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	resp, err := http.Get("http://" + rt.Gateway().Addr() + "/loops")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "car_1")

	require.NoError(t, rt.Shutdown(ctx))
	assert.NoError(t, rt.Shutdown(ctx), "second shutdown is a no-op")

	err = rt.Init(ctx)
	assert.ErrorIs(t, err, errors.ErrStopped)

	_, err = rt.Publisher("car_1.speed")
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestRuntime_InitRetriesAfterStoreOutage(t *testing.T) {
	cfg, mr := testConfig(t)
	rt := newRuntime(t, cfg)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := rt.Init(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, cfg.REST.HostPort, rt.Gateway().Addr(), "nothing starts before the store answers")

	require.NoError(t, mr.Restart())
	require.NoError(t, rt.Init(context.Background()))
	assert.True(t, rt.Health().Check(context.Background()).IsHealthy())
}

func TestRuntime_InitResumesAfterGatewayFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg, _ := testConfig(t)
	cfg.REST.HostPort = busy.Addr().String()
	rt := newRuntime(t, cfg)

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	speed, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)
	udp, err := rt.UDPListener("127.0.0.1:0", speed)
	require.NoError(t, err)

	require.Error(t, rt.Init(context.Background()))

	require.NoError(t, busy.Close())
	require.NoError(t, rt.Init(context.Background()), "event loop already running is not an error")
	assert.ErrorIs(t, rt.Init(context.Background()), errors.ErrAlreadyStarted)
	assert.NotEqual(t, "127.0.0.1:0", udp.Addr(), "bridges start on the retry")

	// The event loop still delivers once the runtime is up.
	loop.StartMonitors()
	done := make(chan struct{})
	rt.Scheduler().Schedule(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop not running")
	}
}

func TestRuntime_PubSubRoundTrip(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	speed, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)

	pub, err := rt.Publisher("")
	require.NoError(t, err)
	speed.Subscribe(pub)

	sub, err := rt.Subscriber("car_*.speed")
	require.NoError(t, err)
	rec := &recorder{}
	sub.Subscribe(rec)

	require.NoError(t, rt.Init(context.Background()))
	loop.StartMonitors()

	speed.OnNext(item.NewMessage(120))

	require.Eventually(t, func() bool { return len(rec.Values()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.Values()[0]
	assert.Equal(t, 120, item.ValueOf(got))
	assert.Equal(t, "car_1.speed", item.SourceOf(got))
}

func TestRuntime_PusherAfterInit(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	speed, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)
	rec := &recorder{}
	speed.Subscribe(rec)

	require.NoError(t, rt.Init(context.Background()))
	loop.StartMonitors()

	// Created after Init, so adopt starts it right away.
	pusher, err := rt.Pusher("http://"+rt.Gateway().Addr(), speed.Path())
	require.NoError(t, err)
	pusher.OnNext(99)

	require.Eventually(t, func() bool { return len(rec.Values()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 99, item.ValueOf(rec.Values()[0]))
}

func TestRuntime_RecorderFollowsLifecycle(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	speed, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), speed.Path()+".jsonl")
	rec, err := rt.Recorder(path)
	require.NoError(t, err)
	speed.Tap(rec)
	seen := &recorder{}
	speed.Tap(seen)

	require.NoError(t, rt.Init(context.Background()))
	loop.StartMonitors()
	speed.OnNext(item.NewMessage(120))
	require.Eventually(t, func() bool { return len(seen.Values()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"src":"car_1.speed"`)
}

func TestRuntime_UDPListenerFeedsMonitor(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)

	loop, err := mape.NewLoop(rt.App(), "car_1")
	require.NoError(t, err)
	speed, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)
	seen := &recorder{}
	speed.Tap(seen)

	l, err := rt.UDPListener("127.0.0.1:0", speed)
	require.NoError(t, err)

	require.NoError(t, rt.Init(context.Background()))
	loop.StartMonitors()

	conn, err := net.Dial("udp", l.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"kmh": 131}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(seen.Values()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]any{"kmh": 131.0}, seen.Values()[0])
}

func TestRuntime_Health(t *testing.T) {
	cfg, mr := testConfig(t)
	rt := newRuntime(t, cfg)
	ctx := context.Background()

	assert.False(t, rt.Health().Check(ctx).IsHealthy(), "event loop not started")

	require.NoError(t, rt.Init(ctx))
	status := rt.Health().Check(ctx)
	assert.True(t, status.IsHealthy(), status.Message)
	assert.Len(t, status.SubStatuses, 2)

	mr.Close()
	status = rt.Health().Check(ctx)
	assert.True(t, status.IsUnhealthy())
}

func TestRuntime_StoreUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.URL = "redis://127.0.0.1:1"
	cfg.REST.HostPort = ""
	cfg.Metrics.Enabled = false
	rt := newRuntime(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := rt.Init(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRuntime_WithoutTransport(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.URL = ""
	cfg.PubSub.Transport = ""
	cfg.REST.HostPort = ""
	cfg.Metrics.Enabled = false
	rt := newRuntime(t, cfg)

	require.NoError(t, rt.Init(context.Background()))
	assert.Nil(t, rt.Gateway())

	_, err := rt.Publisher("x")
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	_, err = rt.Subscriber("x")
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestRuntime_SubscriberNeedsPatterns(t *testing.T) {
	cfg, _ := testConfig(t)
	rt := newRuntime(t, cfg)

	_, err := rt.Subscriber()
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestRuntime_Metrics(t *testing.T) {
	cfg, _ := testConfig(t)
	registry := metric.NewMetricsRegistry()
	rt := newRuntime(t, cfg, WithMetricsRegistry(registry))
	assert.Same(t, registry, rt.Registry())

	_, err := rt.Publisher("car_1.speed")
	require.NoError(t, err)
	require.NoError(t, rt.Init(context.Background()))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mapeflow_runtime_phases_total"])
	assert.True(t, names["mapeflow_runtime_bridges"])
}
