package udp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/pkg/retry"
)

type collector struct {
	mu        sync.Mutex
	values    []any
	errs      int
	completed bool
}

func (c *collector) OnNext(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector) OnError(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs++
}

func (c *collector) OnCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = true
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.values...)
}

func startListener(t *testing.T, target *collector, opts ...Option) *Listener {
	t.Helper()
	l := NewListener("127.0.0.1:0", target, opts...)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(time.Second) })
	return l
}

func send(t *testing.T, addr string, payloads ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestListener_PlainJSON(t *testing.T) {
	c := &collector{}
	l := startListener(t, c)

	send(t, l.Addr(), []byte(`{"speed": 120}`), []byte(`42`))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	values := c.snapshot()
	assert.Equal(t, map[string]any{"speed": 120.0}, values[0])
	assert.Equal(t, 42.0, values[1])
}

func TestListener_Envelope(t *testing.T) {
	c := &collector{}
	l := startListener(t, c)

	codec := item.JSONCodec{}
	msg, err := codec.Encode(item.Next(item.NewMessage(true, item.WithSource("car_panda_safety.emergency_detect"))))
	require.NoError(t, err)
	completed, err := codec.Encode(item.Completed())
	require.NoError(t, err)

	send(t, l.Addr(), msg, completed)

	require.Eventually(t, func() bool { return l.Stats().Invalid == 1 && len(c.snapshot()) == 1 },
		2*time.Second, 5*time.Millisecond)
	v := c.snapshot()[0]
	assert.Equal(t, true, item.ValueOf(v))
	assert.Equal(t, "car_panda_safety.emergency_detect", item.SourceOf(v))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.False(t, c.completed)
	assert.Zero(t, c.errs)
}

func TestListener_InvalidDatagram(t *testing.T) {
	c := &collector{}
	l := startListener(t, c)

	send(t, l.Addr(), []byte("not json"), []byte(`{"speed": 80}`))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Invalid)
	assert.Equal(t, int64(len("not json")+len(`{"speed": 80}`)), stats.Bytes)
}

func TestListener_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := &collector{}
	l := startListener(t, c, WithMetricsRegistry(registry), WithMetrics(registry.CoreMetrics()))

	send(t, l.Addr(), []byte(`1`), []byte(`{`))

	require.Eventually(t, func() bool { return l.Stats().Invalid == 1 && len(c.snapshot()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.packets.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.packets.WithLabelValues("invalid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.bytes))
}

func TestListener_Lifecycle(t *testing.T) {
	err := NewListener("127.0.0.1:0", nil).Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	c := &collector{}
	l := startListener(t, c)
	assert.NotEqual(t, "127.0.0.1:0", l.Addr())
	assert.Error(t, l.Start(context.Background()))

	require.NoError(t, l.Stop(time.Second))
	require.NoError(t, l.Stop(time.Second))
	assert.Equal(t, "127.0.0.1:0", l.Addr())
}

func TestListener_UnresolvableAddress(t *testing.T) {
	cfg := retry.Quick()
	l := NewListener("127.0.0.1:no-such-port", &collector{}, WithRetry(cfg))

	start := time.Now()
	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
