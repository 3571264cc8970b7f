// Package http is the receiving side of the HTTP bridge. It exposes the
// addressing hierarchy of an App for introspection, a notify endpoint per
// element that injects values into a port, a websocket tap on output ports
// and a health endpoint.
package http

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/health"
	"github.com/c360/mapeflow/mape"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/stream"
)

// Defaults.
const (
	DefaultAddress        = "0.0.0.0:8000"
	DefaultMaxRequestSize = 1 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithAddress sets the listen address (host:port).
func WithAddress(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics counts requests per endpoint and status class.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves the monitor aggregate on /healthz.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

// WithMaxRequestSize bounds notify request bodies.
func WithMaxRequestSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestSize = n
		}
	}
}

// WithCORS allows cross-origin requests from origins; "*" allows any.
func WithCORS(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithTLS serves HTTPS with cfg. Nil keeps plain HTTP.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// Server serves the HTTP bridge for one App.
type Server struct {
	app            *mape.App
	scheduler      stream.Scheduler
	addr           string
	logger         *slog.Logger
	metrics        *metric.Metrics
	health         *health.Monitor
	maxRequestSize int64
	corsOrigins    []string
	tlsConfig      *tls.Config
	upgrader       websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	shutdown chan struct{}
	taps     sync.WaitGroup
	openTaps atomic.Int64
}

// NewServer creates a server for app. Notifications are injected through
// scheduler; nil selects the app's scheduler.
func NewServer(app *mape.App, scheduler stream.Scheduler, opts ...Option) *Server {
	if scheduler == nil {
		scheduler = app.Scheduler()
	}
	s := &Server{
		app:            app,
		scheduler:      scheduler,
		addr:           DefaultAddress,
		logger:         slog.Default(),
		maxRequestSize: DefaultMaxRequestSize,
		shutdown:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http_gateway")
	return s
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /loops", "loops", s.handleLoops)
	s.handle(mux, "GET /loops/{loop}/elements", "elements", s.handleElements)
	s.handle(mux, "GET /levels", "levels", s.handleLevels)
	s.handle(mux, "POST /loops/{loop}/elements/{element}", "notify", s.handleNotify)
	s.handle(mux, "GET /loops/{loop}/elements/{element}/stream", "stream", s.handleStream)
	s.handle(mux, "GET /healthz", "healthz", s.handleHealth)
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, endpoint string, h http.HandlerFunc) {
	mux.Handle(pattern, s.middleware(endpoint, h))
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) middleware(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.applyCORS(w, r)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r.WithContext(withRequestID(r.Context(), requestID)))
		s.metrics.RecordHTTPRequest(endpoint, rec.code)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			return
		}
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start http gateway")
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.server = srv
	s.listener = ln
	s.shutdown = make(chan struct{})

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP gateway stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP gateway listening", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// OpenTaps returns the number of connected websocket taps.
func (s *Server) OpenTaps() int { return int(s.openTaps.Load()) }

func (s *Server) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes websocket taps and shuts the server down, waiting up to
// timeout for in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	if srv != nil {
		close(s.shutdown)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http gateway")
	}

	done := make(chan struct{})
	go func() {
		s.taps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Stop", "close websocket taps")
	}
}
