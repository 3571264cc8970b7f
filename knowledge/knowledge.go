// Package knowledge is the shared state of MAPE loops: a namespaced façade
// over Redis exposing typed collections, distributed locks and keyspace
// change notifications.
//
// Every key is prefixed with the owner's namespace (k.app., k.level.<uid>.,
// k.loop.<uid>.) so loops and levels never collide without coordination.
package knowledge

import (
	"log/slog"
	"sync"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/stream"
)

// Knowledge is a key namespace on a shared store.
type Knowledge struct {
	client    redis.UniversalClient
	prefix    string
	logger    *slog.Logger
	metrics   *metric.Metrics
	scheduler stream.Scheduler

	lockerOnce sync.Once
	locker     *redislock.Client
}

// Option configures a Knowledge namespace.
type Option func(*Knowledge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Knowledge) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithMetrics records lock and notification metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(k *Knowledge) { k.metrics = m }
}

// WithScheduler sets where notification handlers run.
func WithScheduler(s stream.Scheduler) Option {
	return func(k *Knowledge) {
		if s != nil {
			k.scheduler = s
		}
	}
}

// New creates a namespace. client may be nil; every store operation then
// fails with ErrNoConnection.
func New(client redis.UniversalClient, prefix string, opts ...Option) *Knowledge {
	k := &Knowledge{
		client:    client,
		prefix:    prefix,
		logger:    slog.Default(),
		scheduler: stream.ImmediateScheduler,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("component", "knowledge", "prefix", prefix)
	return k
}

// Prefix returns the namespace prefix, including the trailing dot.
func (k *Knowledge) Prefix() string { return k.prefix }

// Key returns the fully qualified store key for name.
func (k *Knowledge) Key(name string) string { return k.prefix + name }

// Client returns the backing store client, possibly nil.
func (k *Knowledge) Client() redis.UniversalClient { return k.client }

// Child returns a nested namespace sharing the same store.
func (k *Knowledge) Child(name string) *Knowledge {
	return &Knowledge{
		client:    k.client,
		prefix:    k.Key(name) + ".",
		logger:    k.logger,
		metrics:   k.metrics,
		scheduler: k.scheduler,
	}
}

func (k *Knowledge) conn(component, method string) (redis.UniversalClient, error) {
	if k.client == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, component, method, "resolve store client")
	}
	return k.client, nil
}

func (k *Knowledge) lockClient() (*redislock.Client, error) {
	c, err := k.conn("Lock", "Obtain")
	if err != nil {
		return nil, err
	}
	k.lockerOnce.Do(func() { k.locker = redislock.New(c) })
	return k.locker, nil
}
