package natsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/mapeflow/errors"
)

// ConnectionStatus is the state of the NATS connection.
type ConnectionStatus int

// Connection states.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the client state.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Msg is a received message.
type Msg struct {
	Subject string
	Data    []byte
}

// Client owns one NATS connection guarded by a circuit breaker: after
// circuitThreshold consecutive failed connects, Connect fails fast with
// ErrCircuitOpen until the backoff elapses. The backoff doubles up to
// maxBackoff while failures continue.
type Client struct {
	url    string
	logger *slog.Logger

	status      atomic.Value // ConnectionStatus
	failures    atomic.Int32
	circuitHits atomic.Int32
	lastFailure atomic.Value // time.Time
	backoff     atomic.Value // time.Duration

	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string
	tlsConfig     *tls.Config

	onHealthChange func(bool)

	mu     sync.RWMutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	closed atomic.Bool
}

// NewClient creates a disconnected client.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", url)
	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the current state.
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(s ConnectionStatus) {
	prev := c.status.Swap(s)
	if c.onHealthChange != nil && prev != s && (prev == StatusConnected || s == StatusConnected) {
		c.onHealthChange(s == StatusConnected)
	}
}

// IsHealthy reports whether the connection is usable.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Backoff returns the current circuit backoff.
func (c *Client) Backoff() time.Duration { return c.backoff.Load().(time.Duration) }

// GetStatus returns a status snapshot including the RTT when connected.
func (c *Client) GetStatus() Status {
	s := Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())
	if c.circuitHits.Add(1) < c.circuitThreshold {
		return
	}
	c.circuitHits.Store(0)

	current := c.Backoff()
	next := min(current*2, c.maxBackoff)
	c.backoff.Store(next)

	prev := c.Status()
	if prev == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(prev, StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker opened", "failures", c.failures.Load(), "backoff", current)
		time.AfterFunc(current, c.halfOpen)
	}
}

func (c *Client) halfOpen() {
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitHits.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closed.Load() {
				return
			}
			c.setStatus(StatusReconnecting)
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			c.setStatus(StatusConnected)
			c.logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	return opts
}

// Connect dials the server, honouring ctx and the circuit breaker.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "dial "+c.url)
	}
	c.setStatus(StatusConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			c.mu.Lock()
			c.conn = r.conn
			c.mu.Unlock()
		}
		err = r.err
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	if err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "dial "+c.url)
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "dial "+c.url)
	}

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS")
	return nil
}

// WaitForConnection blocks until the client is healthy or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

func (c *Client) connected(method string) (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", method, "check connection")
	}
	return conn, nil
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connected("RTT")
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connected("Publish")
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe delivers messages matching subject (NATS wildcards allowed) to
// handler on the connection's dispatch goroutine. The subscription ends with
// ctx or Close.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(Msg)) (*nats.Subscription, error) {
	conn, err := c.connected("Subscribe")
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		handler(Msg{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "Client", "Subscribe", fmt.Sprintf("subscribe %s: %v", subject, err))
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

// Close drains the connection, bounded by ctx and the drain timeout.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
	case <-time.After(c.drainTimeout):
		err = fmt.Errorf("drain timeout after %v", c.drainTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	conn.Close()
	if err != nil {
		return errors.WrapTransient(err, "Client", "Close", "drain connection")
	}
	return nil
}
