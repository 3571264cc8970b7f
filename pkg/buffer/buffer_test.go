package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mapeflow/errors"
)

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := New[int](3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(ctx, i))
	}
	for i := 1; i <= 3; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_DropOldest(t *testing.T) {
	ctx := context.Background()
	var dropped []int
	q := New(2, WithDropCallback(func(v int) { dropped = append(dropped, v) }))

	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Push(ctx, i))
	}
	assert.Equal(t, []int{1, 2}, dropped)

	a, _ := q.TryPop()
	b, _ := q.TryPop()
	assert.Equal(t, []int{3, 4}, []int{a, b})

	stats := q.Stats()
	assert.Equal(t, int64(4), stats.Pushed)
	assert.Equal(t, int64(2), stats.Popped)
	assert.Equal(t, int64(2), stats.Dropped)
}

func TestQueue_DropNewest(t *testing.T) {
	ctx := context.Background()
	q := New(1, WithPolicy[int](DropNewest))
	require.NoError(t, q.Push(ctx, 1))

	err := q.Push(ctx, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)

	v, _ := q.TryPop()
	assert.Equal(t, 1, v)
}

func TestQueue_BlockWaitsForRoom(t *testing.T) {
	ctx := context.Background()
	q := New(1, WithPolicy[int](Block))
	require.NoError(t, q.Push(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, 2) }()

	select {
	case <-done:
		t.Fatal("push should block on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)
	assert.Equal(t, 1, q.Len())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(short, 3), context.DeadlineExceeded)
}

func TestQueue_PopWaitsAndCloseDrains(t *testing.T) {
	ctx := context.Background()
	q := New[string](4)

	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(ctx)
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Push(ctx, "a"))
	assert.Equal(t, "a", <-got)

	require.NoError(t, q.Push(ctx, "b"))
	q.Close()
	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.Push(ctx, "c"), errors.ErrStopped)

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, errors.ErrStopped)
}

func TestQueue_PopContext(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]OverflowPolicy{"": DropOldest, "drop_newest": DropNewest, "block": Block} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NotEqual(t, "unknown", got.String())
	}
	_, err := ParsePolicy("spill")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
