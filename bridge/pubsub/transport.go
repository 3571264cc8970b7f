package pubsub

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/natsclient"
)

// Frame is one message received from a transport.
type Frame struct {
	Channel string
	// Pattern is the subscription pattern that matched.
	Pattern string
	Data    []byte
}

// Transport moves frames between processes on named channels. Subscriptions
// take glob patterns (* ? [...]) matched against whole channel names.
type Transport interface {
	Name() string
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe is active when it returns. handler runs on a transport
	// goroutine. The subscription ends with ctx or Close on the result.
	Subscribe(ctx context.Context, patterns []string, handler func(Frame)) (Subscription, error)
}

// Subscription is an active transport subscription.
type Subscription interface {
	Close() error
	// Done is closed when the subscription ended, for any reason.
	Done() <-chan struct{}
}

// ChannelFor returns the channel an element publishes on: its dotted path.
func ChannelFor(element item.Pather) string {
	return element.Path()
}

// RedisTransport uses Redis PUBLISH / PSUBSCRIBE.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps a Redis client.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return errors.WrapTransient(err, "RedisTransport", "Publish", "publish to "+channel)
	}
	return nil
}

// Subscribe implements Transport.
func (t *RedisTransport) Subscribe(ctx context.Context, patterns []string, handler func(Frame)) (Subscription, error) {
	ps := t.client.PSubscribe(ctx, patterns...)
	// One confirmation per pattern.
	for range patterns {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "RedisTransport", "Subscribe",
				"psubscribe "+strings.Join(patterns, ",")+": "+err.Error())
		}
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(Frame{Channel: msg.Channel, Pattern: msg.Pattern, Data: []byte(msg.Payload)})
			}
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	<-s.done
	return err
}

func (s *redisSubscription) Done() <-chan struct{} { return s.done }

// NATSTransport publishes channel c on subject "<prefix>.c". NATS wildcards
// work on whole tokens only, so subscriptions take every subject under the
// prefix and match glob patterns locally.
type NATSTransport struct {
	client *natsclient.Client
	prefix string
}

// NewNATSTransport wraps a connected NATS client. An empty prefix defaults to
// "mapeflow".
func NewNATSTransport(client *natsclient.Client, prefix string) *NATSTransport {
	if prefix == "" {
		prefix = "mapeflow"
	}
	return &NATSTransport{client: client, prefix: prefix}
}

// Name implements Transport.
func (t *NATSTransport) Name() string { return "nats" }

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, t.prefix+"."+channel, data)
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(ctx context.Context, patterns []string, handler func(Frame)) (Subscription, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.WrapInvalid(err, "NATSTransport", "Subscribe", "parse pattern "+p)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	strip := t.prefix + "."
	_, err := t.client.Subscribe(subCtx, t.prefix+".>", func(m natsclient.Msg) {
		channel := strings.TrimPrefix(m.Subject, strip)
		if p, ok := MatchPattern(patterns, channel); ok {
			handler(Frame{Channel: channel, Pattern: p, Data: m.Data})
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		<-subCtx.Done()
		close(done)
	}()
	return &natsSubscription{cancel: cancel, done: done}, nil
}

type natsSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *natsSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *natsSubscription) Done() <-chan struct{} { return s.done }

// MatchPattern returns the first glob pattern matching channel. Malformed
// patterns never match.
func MatchPattern(patterns []string, channel string) (string, bool) {
	for _, p := range patterns {
		if ok, err := path.Match(p, channel); err == nil && ok {
			return p, true
		}
	}
	return "", false
}
