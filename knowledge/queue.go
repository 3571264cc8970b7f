package knowledge

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a list consumed from one end. FIFO queues pop from the head,
// LIFO queues from the tail.
type Queue[T any] struct {
	collection[T]
	lifo bool
}

// NewQueue returns a first-in first-out queue.
func NewQueue[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *Queue[T] {
	return &Queue[T]{collection: newCollection(k, name, "Queue", opts)}
}

// NewLifoQueue returns a last-in first-out queue.
func NewLifoQueue[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *Queue[T] {
	return &Queue[T]{collection: newCollection(k, name, "LifoQueue", opts), lifo: true}
}

// Put enqueues values in order.
func (q *Queue[T]) Put(ctx context.Context, values ...T) error {
	client, err := q.conn("Put")
	if err != nil {
		return err
	}
	enc, err := q.encodeAll(values)
	if err != nil {
		return err
	}
	if err := client.RPush(ctx, q.key, enc...).Err(); err != nil {
		return q.fail(err, "Put", "redis rpush")
	}
	return nil
}

// Get dequeues one value without blocking; found is false when empty.
func (q *Queue[T]) Get(ctx context.Context) (v T, found bool, err error) {
	client, err := q.conn("Get")
	if err != nil {
		return v, false, err
	}
	var s string
	if q.lifo {
		s, err = client.RPop(ctx, q.key).Result()
	} else {
		s, err = client.LPop(ctx, q.key).Result()
	}
	if stderrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, q.fail(err, "Get", "redis pop")
	}
	v, err = q.codec.Decode(s)
	return v, err == nil, err
}

// GetWait blocks up to timeout for a value; found is false on timeout.
func (q *Queue[T]) GetWait(ctx context.Context, timeout time.Duration) (v T, found bool, err error) {
	client, err := q.conn("GetWait")
	if err != nil {
		return v, false, err
	}
	var res []string
	if q.lifo {
		res, err = client.BRPop(ctx, timeout, q.key).Result()
	} else {
		res, err = client.BLPop(ctx, timeout, q.key).Result()
	}
	if stderrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, q.fail(err, "GetWait", "redis blocking pop")
	}
	// [key, value]
	v, err = q.codec.Decode(res[1])
	return v, err == nil, err
}

// Len returns the number of queued values.
func (q *Queue[T]) Len(ctx context.Context) (int64, error) {
	client, err := q.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, q.fail(err, "Len", "redis llen")
	}
	return n, nil
}

// PriorityQueue pops the value with the lowest priority first. Values are
// unique: putting a queued value again updates its priority.
type PriorityQueue[T any] struct {
	collection[T]
}

// NewPriorityQueue returns a priority queue handle for name.
func NewPriorityQueue[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *PriorityQueue[T] {
	return &PriorityQueue[T]{collection: newCollection(k, name, "PriorityQueue", opts)}
}

// Put enqueues v with priority.
func (q *PriorityQueue[T]) Put(ctx context.Context, priority float64, v T) error {
	client, err := q.conn("Put")
	if err != nil {
		return err
	}
	enc, err := q.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := client.ZAdd(ctx, q.key, redis.Z{Score: priority, Member: enc}).Err(); err != nil {
		return q.fail(err, "Put", "redis zadd")
	}
	return nil
}

// Get pops the lowest priority value; found is false when empty.
func (q *PriorityQueue[T]) Get(ctx context.Context) (v T, priority float64, found bool, err error) {
	client, err := q.conn("Get")
	if err != nil {
		return v, 0, false, err
	}
	res, err := client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return v, 0, false, q.fail(err, "Get", "redis zpopmin")
	}
	if len(res) == 0 {
		return v, 0, false, nil
	}
	s, _ := res[0].Member.(string)
	v, err = q.codec.Decode(s)
	return v, res[0].Score, err == nil, err
}

// Len returns the number of queued values.
func (q *PriorityQueue[T]) Len(ctx context.Context) (int64, error) {
	client, err := q.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, q.fail(err, "Len", "redis zcard")
	}
	return n, nil
}
