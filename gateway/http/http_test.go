package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mapeflow/health"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/mape"
)

type recorder struct {
	mu        sync.Mutex
	values    []any
	err       error
	completed bool
}

func (r *recorder) OnNext(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

type fixture struct {
	app     *mape.App
	monitor *mape.Element
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	app := mape.NewApp()
	loop, err := mape.NewLoop(app, "car_1", mape.InLevel("road"))
	require.NoError(t, err)
	m, err := mape.NewMonitor(loop, mape.WithUID("speed"))
	require.NoError(t, err)
	_, err = mape.NewPlan(loop, mape.WithUID("policy"))
	require.NoError(t, err)

	srv := NewServer(app, nil, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{app: app, monitor: m, server: srv, http: ts}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t)

	var loops []string
	resp := getJSON(t, f.http.URL+"/loops", &loops)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"car_1"}, loops)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var elements []string
	getJSON(t, f.http.URL+"/loops/car_1/elements", &elements)
	assert.Equal(t, []string{"speed", "policy"}, elements)

	var levels []string
	getJSON(t, f.http.URL+"/levels", &levels)
	assert.Equal(t, []string{"road"}, levels)
}

func TestIntrospection_UnknownLoop(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	resp := getJSON(t, f.http.URL+"/loops/nope/elements", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "loop 'nope' not found", body.Error)
}

func post(t *testing.T, url, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func encode(t *testing.T, c item.Codec, n item.Notification) []byte {
	t.Helper()
	data, err := c.Encode(n)
	require.NoError(t, err)
	return data
}

func TestNotify_NextOnInputPort(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start()
	out := &recorder{}
	f.monitor.Tap(out)

	for _, c := range []item.Codec{item.JSONCodec{}, item.MsgpackCodec{}} {
		resp := post(t, f.http.URL+"/loops/car_1/elements/speed?port=in&notification=next",
			c.ContentType(), encode(t, c, item.Next(item.NewMessage(92.5))))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.values, 2)
	for _, v := range out.values {
		msg, ok := v.(*item.Message)
		require.True(t, ok)
		assert.Equal(t, 92.5, msg.Value)
		assert.Equal(t, 1, msg.Hops)
	}
}

func TestNotify_OutputPortAndTerminals(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start()
	out := &recorder{}
	f.monitor.Tap(out)

	base := f.http.URL + "/loops/car_1/elements/speed"
	resp := post(t, base+"?port=out", "", encode(t, item.JSONCodec{}, item.Next("direct")))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, base+"?port=out&notification=error", "application/json",
		encode(t, item.JSONCodec{}, item.Next("sensor offline")))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Equal(t, []any{"direct"}, out.values)
	require.Error(t, out.err)
	assert.Equal(t, "sensor offline", out.err.Error())
}

func TestNotify_OutputPortOfStoppedElement(t *testing.T) {
	f := newFixture(t)
	out := &recorder{}
	f.monitor.Tap(out)
	require.False(t, f.monitor.Running())

	base := f.http.URL + "/loops/car_1/elements/speed"
	resp := post(t, base+"?port=out", "", encode(t, item.JSONCodec{}, item.Next("direct")))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, base+"?port=in", "", encode(t, item.JSONCodec{}, item.Next("ignored")))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Equal(t, []any{"direct"}, out.values)
	assert.False(t, f.monitor.Running())
}

func TestNotify_Completed(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start()
	out := &recorder{}
	f.monitor.Tap(out)

	resp := post(t, f.http.URL+"/loops/car_1/elements/speed?notification=completed", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.True(t, out.completed)
}

func TestNotify_Rejects(t *testing.T) {
	f := newFixture(t, WithMaxRequestSize(64))
	base := f.http.URL + "/loops/car_1/elements/speed"
	valid := encode(t, item.JSONCodec{}, item.Next(1))

	tests := []struct {
		name        string
		url         string
		contentType string
		body        []byte
		want        int
	}{
		{"unknown element", f.http.URL + "/loops/car_1/elements/nope", "", valid, http.StatusNotFound},
		{"unknown loop", f.http.URL + "/loops/car_9/elements/speed", "", valid, http.StatusNotFound},
		{"bad port", base + "?port=side", "", valid, http.StatusBadRequest},
		{"bad notification", base + "?notification=maybe", "", valid, http.StatusBadRequest},
		{"bad content type", base, "text/plain", valid, http.StatusBadRequest},
		{"garbage body", base, "application/json", []byte("{"), http.StatusBadRequest},
		{"too large", base, "", bytes.Repeat([]byte("x"), 65), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, tt.url, tt.contentType, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestNotify_WrongMethod(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/loops/car_1/elements/speed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	mon := health.NewMonitor()
	mon.Update("store", health.NewHealthy("", "pong"))
	f := newFixture(t, WithHealth(mon))

	var status health.Status
	resp := getJSON(t, f.http.URL+"/healthz", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, status.Healthy)

	mon.Update("store", health.NewUnhealthy("", "down"))
	resp = getJSON(t, f.http.URL+"/healthz", &status)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, status.Healthy)
}

func TestNotifyPath(t *testing.T) {
	p, err := NotifyPath("car_1.speed")
	require.NoError(t, err)
	assert.Equal(t, "/loops/car_1/elements/speed", p)

	for _, bad := range []string{"car_1", ".speed", "car_1.", "a.b.c"} {
		_, err := NotifyPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestStreamTap(t *testing.T) {
	f := newFixture(t)
	f.monitor.Start()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/loops/car_1/elements/speed/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.OpenTaps() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.monitor.OnNext(item.NewMessage(120))
	f.monitor.OnCompleted()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	n, err := item.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	msg, ok := n.Value.(*item.Message)
	require.True(t, ok)
	assert.Equal(t, 120, msg.Value)
	assert.Equal(t, "car_1.speed", msg.Src)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	n, err = item.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, item.KindCompleted, n.Kind)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.Eventually(t, func() bool { return f.server.OpenTaps() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamTap_UnknownElement(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/loops/car_1/elements/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStop(t *testing.T) {
	app := mape.NewApp()
	srv := NewServer(app, nil, WithAddress("127.0.0.1:0"))
	require.NoError(t, srv.Start(context.Background()))
	assert.Error(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/loops")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second))
}
