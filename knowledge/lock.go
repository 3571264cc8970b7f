package knowledge

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/c360/mapeflow/errors"
)

const (
	// DefaultLockTTL bounds how long a crashed holder blocks others.
	DefaultLockTTL = 10 * time.Second
	// DefaultLockBackoff is the polling interval while waiting for a lock.
	DefaultLockBackoff = 25 * time.Millisecond
)

// Lock is a distributed mutex on a knowledge key. When Obtain is given a
// context without deadline it waits at most the lock TTL. A handle tracks a
// single lease, so concurrent holders each need their own handle.
type Lock struct {
	k       *Knowledge
	key     string
	ttl     time.Duration
	backoff time.Duration
	retries int

	mu   sync.Mutex
	held *redislock.Lock
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLockBackoff sets the polling interval while waiting.
func WithLockBackoff(d time.Duration) LockOption {
	return func(l *Lock) {
		if d > 0 {
			l.backoff = d
		}
	}
}

// WithLockRetries caps the number of attempts after the first one. Zero
// means retry until the context expires; a negative value disables retries.
func WithLockRetries(n int) LockOption {
	return func(l *Lock) { l.retries = n }
}

// NewLock returns a lock named name inside the namespace with the given
// lease; a non-positive ttl uses DefaultLockTTL.
func (k *Knowledge) NewLock(name string, ttl time.Duration, opts ...LockOption) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l := &Lock{
		k:       k,
		key:     k.Key(name) + ".lock",
		ttl:     ttl,
		backoff: DefaultLockBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key of the lock.
func (l *Lock) Key() string { return l.key }

func (l *Lock) strategy() redislock.RetryStrategy {
	switch {
	case l.retries < 0:
		return redislock.NoRetry()
	case l.retries == 0:
		return redislock.LinearBackoff(l.backoff)
	default:
		return redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries)
	}
}

// Obtain blocks until the lock is held or the wait is exhausted, in which
// case ErrLockNotObtained is returned.
func (l *Lock) Obtain(ctx context.Context) error {
	client, err := l.k.lockClient()
	if err != nil {
		return err
	}
	start := time.Now()
	held, err := client.Obtain(ctx, l.key, l.ttl, &redislock.Options{RetryStrategy: l.strategy()})
	l.k.metrics.RecordLockWait(err == nil, time.Since(start))
	if stderrors.Is(err, redislock.ErrNotObtained) {
		return errors.WrapFatal(errors.ErrLockNotObtained, "Lock", "Obtain", "acquire "+l.key)
	}
	if err != nil {
		return errors.WrapTransient(err, "Lock", "Obtain", "acquire "+l.key)
	}
	l.mu.Lock()
	l.held = held
	l.mu.Unlock()
	l.k.logger.Debug("Lock obtained", "key", l.key, "waited", time.Since(start))
	return nil
}

func (l *Lock) current(method string) (*redislock.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return nil, errors.WrapInvalid(errors.ErrLockNotHeld, "Lock", method, "check holder "+l.key)
	}
	return l.held, nil
}

// Release gives the lock up.
func (l *Lock) Release(ctx context.Context) error {
	held, err := l.current("Release")
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.held = nil
	l.mu.Unlock()
	err = held.Release(ctx)
	if stderrors.Is(err, redislock.ErrLockNotHeld) {
		return errors.WrapInvalid(errors.ErrLockNotHeld, "Lock", "Release", "release "+l.key)
	}
	if err != nil {
		return errors.WrapTransient(err, "Lock", "Release", "release "+l.key)
	}
	return nil
}

// Refresh extends the lease by the lock TTL.
func (l *Lock) Refresh(ctx context.Context) error {
	held, err := l.current("Refresh")
	if err != nil {
		return err
	}
	err = held.Refresh(ctx, l.ttl, nil)
	if stderrors.Is(err, redislock.ErrNotObtained) {
		return errors.WrapInvalid(errors.ErrLockNotHeld, "Lock", "Refresh", "extend "+l.key)
	}
	if err != nil {
		return errors.WrapTransient(err, "Lock", "Refresh", "extend "+l.key)
	}
	return nil
}

// TTL returns the remaining lease, zero when the lease expired.
func (l *Lock) TTL(ctx context.Context) (time.Duration, error) {
	held, err := l.current("TTL")
	if err != nil {
		return 0, err
	}
	d, err := held.TTL(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Lock", "TTL", "read lease "+l.key)
	}
	return d, nil
}

// Held reports whether this handle currently owns a lease.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held != nil
}

// Do runs fn while holding the lock and always releases it afterwards.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := l.Obtain(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
