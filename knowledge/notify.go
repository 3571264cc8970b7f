package knowledge

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/c360/mapeflow/errors"
)

// KeyspaceEvents is the notify-keyspace-events setting EnableNotifications
// applies: keyspace channel, every event class.
const KeyspaceEvents = "KEA"

// Change is one keyspace event.
type Change struct {
	// Key is the full store key.
	Key string
	// Name is Key without the namespace prefix.
	Name string
	// Command is the store event, e.g. "sadd" or "srem".
	Command string
}

// ChangeHandler receives keyspace events on the namespace scheduler.
type ChangeHandler func(Change)

// KeyspaceChannel returns the subscription pattern for a store key.
func KeyspaceChannel(key string) string {
	return "__keyspace@*__:" + key
}

// EnableNotifications turns keyspace events on for the whole store.
func (k *Knowledge) EnableNotifications(ctx context.Context) error {
	client, err := k.conn("Knowledge", "EnableNotifications")
	if err != nil {
		return err
	}
	if err := client.ConfigSet(ctx, "notify-keyspace-events", KeyspaceEvents).Err(); err != nil {
		return errors.WrapTransient(err, "Knowledge", "EnableNotifications", "config set notify-keyspace-events")
	}
	return nil
}

// Watch is an active change subscription.
type Watch struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

// Close ends the subscription and waits for the dispatch goroutine.
func (w *Watch) Close() error {
	var err error
	w.once.Do(func() {
		err = w.ps.Close()
		<-w.done
	})
	return err
}

// Done is closed once the subscription ended.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Notifications calls handler whenever one of commands runs against key in
// any process. No commands means every command. The subscription is active
// when Notifications returns and ends when ctx is cancelled or the Watch is
// closed.
func (k *Knowledge) Notifications(ctx context.Context, key string, handler ChangeHandler, commands ...string) (*Watch, error) {
	client, err := k.conn("Knowledge", "Notifications")
	if err != nil {
		return nil, err
	}
	full := k.Key(key)
	ps := client.PSubscribe(ctx, KeyspaceChannel(full))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "Knowledge", "Notifications",
			"psubscribe "+full+": "+err.Error())
	}

	wanted := make(map[string]bool, len(commands))
	for _, c := range commands {
		wanted[strings.ToLower(c)] = true
	}

	w := &Watch{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				cmd := strings.ToLower(msg.Payload)
				if len(wanted) > 0 && !wanted[cmd] {
					continue
				}
				change := Change{Key: keyOf(msg.Channel), Command: cmd}
				change.Name = strings.TrimPrefix(change.Key, k.prefix)
				k.metrics.RecordNotification(cmd)
				k.scheduler.Schedule(func() { handler(change) })
			}
		}
	}()
	k.logger.Debug("Watching keyspace", "key", full, "commands", commands)
	return w, nil
}

func keyOf(channel string) string {
	if i := strings.Index(channel, "__:"); i >= 0 {
		return channel[i+3:]
	}
	return channel
}
