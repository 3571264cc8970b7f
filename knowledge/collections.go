package knowledge

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/mapeflow/errors"
)

// CollectionOption configures a collection handle.
type CollectionOption[T any] func(*collection[T])

// WithCodec overrides the value codec.
func WithCodec[T any](c Codec[T]) CollectionOption[T] {
	return func(col *collection[T]) { col.codec = c }
}

type collection[T any] struct {
	k     *Knowledge
	key   string
	name  string
	codec Codec[T]
}

func newCollection[T any](k *Knowledge, name, kind string, opts []CollectionOption[T]) collection[T] {
	c := collection[T]{k: k, key: k.Key(name), name: kind, codec: DefaultCodec[T]()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Key returns the fully qualified store key.
func (c *collection[T]) Key() string { return c.key }

func (c *collection[T]) conn(method string) (redis.UniversalClient, error) {
	return c.k.conn(c.name, method)
}

func (c *collection[T]) fail(err error, method, action string) error {
	return errors.WrapTransient(err, c.name, method, action)
}

func (c *collection[T]) encodeAll(values []T) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		s, err := c.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (c *collection[T]) decodeAll(raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, s := range raw {
		v, err := c.codec.Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Delete removes the whole collection from the store.
func (c *collection[T]) Delete(ctx context.Context) error {
	client, err := c.conn("Delete")
	if err != nil {
		return err
	}
	if err := client.Del(ctx, c.key).Err(); err != nil {
		return c.fail(err, "Delete", "redis del")
	}
	return nil
}

// Keyspace is a key-value namespace: every entry is its own store key.
type Keyspace[T any] struct {
	collection[T]
	prefix string
}

// NewKeyspace returns a keyspace nested under name. An empty name uses the
// Knowledge prefix itself.
func NewKeyspace[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *Keyspace[T] {
	ks := &Keyspace[T]{collection: newCollection(k, name, "Keyspace", opts)}
	ks.prefix = k.prefix
	if name != "" {
		ks.prefix = ks.key + "."
	}
	return ks
}

// KeyFor returns the store key of an entry.
func (ks *Keyspace[T]) KeyFor(key string) string { return ks.prefix + key }

// Set stores v under key with no expiry.
func (ks *Keyspace[T]) Set(ctx context.Context, key string, v T) error {
	return ks.SetTTL(ctx, key, v, 0)
}

// SetTTL stores v under key expiring after ttl (0 means never).
func (ks *Keyspace[T]) SetTTL(ctx context.Context, key string, v T, ttl time.Duration) error {
	client, err := ks.conn("Set")
	if err != nil {
		return err
	}
	s, err := ks.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, ks.KeyFor(key), s, ttl).Err(); err != nil {
		return ks.fail(err, "Set", "redis set")
	}
	return nil
}

// Get returns the value under key; found is false when the key is absent.
func (ks *Keyspace[T]) Get(ctx context.Context, key string) (v T, found bool, err error) {
	client, err := ks.conn("Get")
	if err != nil {
		return v, false, err
	}
	s, err := client.Get(ctx, ks.KeyFor(key)).Result()
	if stderrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, ks.fail(err, "Get", "redis get")
	}
	v, err = ks.codec.Decode(s)
	return v, err == nil, err
}

// GetOr returns the value under key or def when absent.
func (ks *Keyspace[T]) GetOr(ctx context.Context, key string, def T) (T, error) {
	v, found, err := ks.Get(ctx, key)
	if err != nil || !found {
		return def, err
	}
	return v, nil
}

// Remove deletes the given entries.
func (ks *Keyspace[T]) Remove(ctx context.Context, keys ...string) error {
	client, err := ks.conn("Remove")
	if err != nil {
		return err
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = ks.KeyFor(key)
	}
	if err := client.Del(ctx, full...).Err(); err != nil {
		return ks.fail(err, "Remove", "redis del")
	}
	return nil
}

// Exists reports whether key is present.
func (ks *Keyspace[T]) Exists(ctx context.Context, key string) (bool, error) {
	client, err := ks.conn("Exists")
	if err != nil {
		return false, err
	}
	n, err := client.Exists(ctx, ks.KeyFor(key)).Result()
	if err != nil {
		return false, ks.fail(err, "Exists", "redis exists")
	}
	return n > 0, nil
}

// Keys lists the entry names of the keyspace, without prefix.
func (ks *Keyspace[T]) Keys(ctx context.Context) ([]string, error) {
	client, err := ks.conn("Keys")
	if err != nil {
		return nil, err
	}
	var keys []string
	iter := client.Scan(ctx, 0, ks.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), ks.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, ks.fail(err, "Keys", "redis scan")
	}
	return keys, nil
}

// Hash stores fields of one store key.
type Hash[T any] struct {
	collection[T]
}

// NewHash returns a hash handle for name.
func NewHash[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *Hash[T] {
	return &Hash[T]{collection: newCollection(k, name, "Hash", opts)}
}

// Set stores v under field.
func (h *Hash[T]) Set(ctx context.Context, field string, v T) error {
	client, err := h.conn("Set")
	if err != nil {
		return err
	}
	s, err := h.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := client.HSet(ctx, h.key, field, s).Err(); err != nil {
		return h.fail(err, "Set", "redis hset")
	}
	return nil
}

// Get returns field's value; found is false when the field is absent.
func (h *Hash[T]) Get(ctx context.Context, field string) (v T, found bool, err error) {
	client, err := h.conn("Get")
	if err != nil {
		return v, false, err
	}
	s, err := client.HGet(ctx, h.key, field).Result()
	if stderrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, h.fail(err, "Get", "redis hget")
	}
	v, err = h.codec.Decode(s)
	return v, err == nil, err
}

// Remove deletes fields.
func (h *Hash[T]) Remove(ctx context.Context, fields ...string) error {
	client, err := h.conn("Remove")
	if err != nil {
		return err
	}
	if err := client.HDel(ctx, h.key, fields...).Err(); err != nil {
		return h.fail(err, "Remove", "redis hdel")
	}
	return nil
}

// All returns every field.
func (h *Hash[T]) All(ctx context.Context) (map[string]T, error) {
	client, err := h.conn("All")
	if err != nil {
		return nil, err
	}
	raw, err := client.HGetAll(ctx, h.key).Result()
	if err != nil {
		return nil, h.fail(err, "All", "redis hgetall")
	}
	out := make(map[string]T, len(raw))
	for f, s := range raw {
		v, err := h.codec.Decode(s)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

// Len returns the number of fields.
func (h *Hash[T]) Len(ctx context.Context) (int64, error) {
	client, err := h.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.HLen(ctx, h.key).Result()
	if err != nil {
		return 0, h.fail(err, "Len", "redis hlen")
	}
	return n, nil
}

// Set is an unordered set of unique members.
type Set[T any] struct {
	collection[T]
}

// NewSet returns a set handle for name.
func NewSet[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *Set[T] {
	return &Set[T]{collection: newCollection(k, name, "Set", opts)}
}

// Add inserts members and returns how many were new.
func (s *Set[T]) Add(ctx context.Context, members ...T) (int64, error) {
	client, err := s.conn("Add")
	if err != nil {
		return 0, err
	}
	enc, err := s.encodeAll(members)
	if err != nil {
		return 0, err
	}
	n, err := client.SAdd(ctx, s.key, enc...).Result()
	if err != nil {
		return 0, s.fail(err, "Add", "redis sadd")
	}
	return n, nil
}

// Remove deletes members and returns how many were present.
func (s *Set[T]) Remove(ctx context.Context, members ...T) (int64, error) {
	client, err := s.conn("Remove")
	if err != nil {
		return 0, err
	}
	enc, err := s.encodeAll(members)
	if err != nil {
		return 0, err
	}
	n, err := client.SRem(ctx, s.key, enc...).Result()
	if err != nil {
		return 0, s.fail(err, "Remove", "redis srem")
	}
	return n, nil
}

// Contains reports membership.
func (s *Set[T]) Contains(ctx context.Context, member T) (bool, error) {
	client, err := s.conn("Contains")
	if err != nil {
		return false, err
	}
	enc, err := s.codec.Encode(member)
	if err != nil {
		return false, err
	}
	ok, err := client.SIsMember(ctx, s.key, enc).Result()
	if err != nil {
		return false, s.fail(err, "Contains", "redis sismember")
	}
	return ok, nil
}

// Members returns all members in store order.
func (s *Set[T]) Members(ctx context.Context) ([]T, error) {
	client, err := s.conn("Members")
	if err != nil {
		return nil, err
	}
	raw, err := client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, s.fail(err, "Members", "redis smembers")
	}
	return s.decodeAll(raw)
}

// Len returns the cardinality.
func (s *Set[T]) Len(ctx context.Context) (int64, error) {
	client, err := s.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, s.fail(err, "Len", "redis scard")
	}
	return n, nil
}

// Replace atomically swaps the whole content for members. Combined with a
// prior Members call this is a read-modify-write and needs a Lock when other
// processes write the same set.
func (s *Set[T]) Replace(ctx context.Context, members ...T) error {
	client, err := s.conn("Replace")
	if err != nil {
		return err
	}
	enc, err := s.encodeAll(members)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key)
		if len(enc) > 0 {
			p.SAdd(ctx, s.key, enc...)
		}
		return nil
	})
	if err != nil {
		return s.fail(err, "Replace", "redis multi del+sadd")
	}
	return nil
}

// Scored is a sorted set member with its score.
type Scored[T any] struct {
	Member T
	Score  float64
}

// SortedSet orders unique members by score.
type SortedSet[T any] struct {
	collection[T]
}

// NewSortedSet returns a sorted set handle for name.
func NewSortedSet[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *SortedSet[T] {
	return &SortedSet[T]{collection: newCollection(k, name, "SortedSet", opts)}
}

// Add sets member's score.
func (z *SortedSet[T]) Add(ctx context.Context, score float64, member T) error {
	client, err := z.conn("Add")
	if err != nil {
		return err
	}
	enc, err := z.codec.Encode(member)
	if err != nil {
		return err
	}
	if err := client.ZAdd(ctx, z.key, redis.Z{Score: score, Member: enc}).Err(); err != nil {
		return z.fail(err, "Add", "redis zadd")
	}
	return nil
}

// IncrBy adds delta to member's score and returns the new score.
func (z *SortedSet[T]) IncrBy(ctx context.Context, member T, delta float64) (float64, error) {
	client, err := z.conn("IncrBy")
	if err != nil {
		return 0, err
	}
	enc, err := z.codec.Encode(member)
	if err != nil {
		return 0, err
	}
	v, err := client.ZIncrBy(ctx, z.key, delta, enc).Result()
	if err != nil {
		return 0, z.fail(err, "IncrBy", "redis zincrby")
	}
	return v, nil
}

// Score returns member's score; found is false when absent.
func (z *SortedSet[T]) Score(ctx context.Context, member T) (score float64, found bool, err error) {
	client, err := z.conn("Score")
	if err != nil {
		return 0, false, err
	}
	enc, err := z.codec.Encode(member)
	if err != nil {
		return 0, false, err
	}
	score, err = client.ZScore(ctx, z.key, enc).Result()
	if stderrors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, z.fail(err, "Score", "redis zscore")
	}
	return score, true, nil
}

// Remove deletes members.
func (z *SortedSet[T]) Remove(ctx context.Context, members ...T) error {
	client, err := z.conn("Remove")
	if err != nil {
		return err
	}
	enc, err := z.encodeAll(members)
	if err != nil {
		return err
	}
	if err := client.ZRem(ctx, z.key, enc...).Err(); err != nil {
		return z.fail(err, "Remove", "redis zrem")
	}
	return nil
}

// Range returns members ranked start..stop (inclusive, negative from the end)
// with ascending scores.
func (z *SortedSet[T]) Range(ctx context.Context, start, stop int64) ([]Scored[T], error) {
	client, err := z.conn("Range")
	if err != nil {
		return nil, err
	}
	raw, err := client.ZRangeWithScores(ctx, z.key, start, stop).Result()
	if err != nil {
		return nil, z.fail(err, "Range", "redis zrange")
	}
	out := make([]Scored[T], 0, len(raw))
	for _, r := range raw {
		s, _ := r.Member.(string)
		v, err := z.codec.Decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, Scored[T]{Member: v, Score: r.Score})
	}
	return out, nil
}

// Len returns the cardinality.
func (z *SortedSet[T]) Len(ctx context.Context) (int64, error) {
	client, err := z.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.ZCard(ctx, z.key).Result()
	if err != nil {
		return 0, z.fail(err, "Len", "redis zcard")
	}
	return n, nil
}

// List is an ordered sequence.
type List[T any] struct {
	collection[T]
}

// NewList returns a list handle for name.
func NewList[T any](k *Knowledge, name string, opts ...CollectionOption[T]) *List[T] {
	return &List[T]{collection: newCollection(k, name, "List", opts)}
}

// Append adds values at the tail.
func (l *List[T]) Append(ctx context.Context, values ...T) error {
	client, err := l.conn("Append")
	if err != nil {
		return err
	}
	enc, err := l.encodeAll(values)
	if err != nil {
		return err
	}
	if err := client.RPush(ctx, l.key, enc...).Err(); err != nil {
		return l.fail(err, "Append", "redis rpush")
	}
	return nil
}

// Prepend adds values at the head.
func (l *List[T]) Prepend(ctx context.Context, values ...T) error {
	client, err := l.conn("Prepend")
	if err != nil {
		return err
	}
	enc, err := l.encodeAll(values)
	if err != nil {
		return err
	}
	if err := client.LPush(ctx, l.key, enc...).Err(); err != nil {
		return l.fail(err, "Prepend", "redis lpush")
	}
	return nil
}

// Index returns the element at i; negative indexes count from the tail.
func (l *List[T]) Index(ctx context.Context, i int64) (v T, found bool, err error) {
	client, err := l.conn("Index")
	if err != nil {
		return v, false, err
	}
	s, err := client.LIndex(ctx, l.key, i).Result()
	if stderrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, l.fail(err, "Index", "redis lindex")
	}
	v, err = l.codec.Decode(s)
	return v, err == nil, err
}

// Range returns elements start..stop inclusive.
func (l *List[T]) Range(ctx context.Context, start, stop int64) ([]T, error) {
	client, err := l.conn("Range")
	if err != nil {
		return nil, err
	}
	raw, err := client.LRange(ctx, l.key, start, stop).Result()
	if err != nil {
		return nil, l.fail(err, "Range", "redis lrange")
	}
	return l.decodeAll(raw)
}

// Trim keeps only elements start..stop.
func (l *List[T]) Trim(ctx context.Context, start, stop int64) error {
	client, err := l.conn("Trim")
	if err != nil {
		return err
	}
	if err := client.LTrim(ctx, l.key, start, stop).Err(); err != nil {
		return l.fail(err, "Trim", "redis ltrim")
	}
	return nil
}

// Len returns the list length.
func (l *List[T]) Len(ctx context.Context) (int64, error) {
	client, err := l.conn("Len")
	if err != nil {
		return 0, err
	}
	n, err := client.LLen(ctx, l.key).Result()
	if err != nil {
		return 0, l.fail(err, "Len", "redis llen")
	}
	return n, nil
}
