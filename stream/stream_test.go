package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects signals; safe for timer goroutines.
type recorder[T any] struct {
	mu        sync.Mutex
	values    []T
	err       error
	completed bool
}

func (r *recorder[T]) OnNext(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder[T]) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder[T]) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

// manualScheduler fires timers only when told to.
type manualScheduler struct {
	timers []*manualTimer
}

type manualTimer struct {
	fn        func()
	cancelled bool
}

func (s *manualScheduler) Schedule(fn func()) { fn() }

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) func() bool {
	t := &manualTimer{fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		was := !t.cancelled
		t.cancelled = true
		return was
	}
}

func (s *manualScheduler) fire() int {
	timers := s.timers
	s.timers = nil
	fired := 0
	for _, t := range timers {
		if !t.cancelled {
			t.cancelled = true
			t.fn()
			fired++
		}
	}
	return fired
}

func TestSubject_BroadcastAndUnsubscribe(t *testing.T) {
	s := NewSubject[int]()
	a, b := &recorder[int]{}, &recorder[int]{}

	s.Subscribe(a)
	subB := s.Subscribe(b)
	s.OnNext(1)
	subB.Unsubscribe()
	s.OnNext(2)

	assert.Equal(t, []int{1, 2}, a.Values())
	assert.Equal(t, []int{1}, b.Values())
	assert.True(t, s.HasObservers())
}

func TestSubject_TerminalReplay(t *testing.T) {
	s := NewSubject[int]()
	boom := errors.New("boom")
	s.OnError(boom)
	s.OnNext(1)

	late := &recorder[int]{}
	s.Subscribe(late)

	assert.True(t, s.Stopped())
	assert.Empty(t, late.Values())
	assert.Equal(t, boom, late.err)
}

func TestDistinctUntilChanged(t *testing.T) {
	out := &recorder[int]{}
	Pipe(Of(5, 5, 7, 7, 7, 5), DistinctUntilChanged[int](nil)).Subscribe(out)

	assert.Equal(t, []int{5, 7, 5}, out.Values())
	assert.True(t, out.completed)
}

func TestDistinctUntilChanged_KeyFunction(t *testing.T) {
	type reading struct {
		Car   string
		Speed int
	}
	out := &recorder[reading]{}
	Pipe(Of(
		reading{"a", 80}, reading{"a", 81}, reading{"b", 81}, reading{"b", 90},
	), DistinctUntilChanged(func(r reading) any { return r.Car })).Subscribe(out)

	assert.Equal(t, []reading{{"a", 80}, {"b", 81}}, out.Values())
}

func TestDebounce_EmitsLastAfterQuietPeriod(t *testing.T) {
	sched := &manualScheduler{}
	in := NewSubject[int]()
	out := &recorder[int]{}
	Pipe[int](in, Debounce[int](100*time.Millisecond, sched)).Subscribe(out)

	in.OnNext(1)
	in.OnNext(2)
	in.OnNext(3)
	assert.Empty(t, out.Values())

	assert.Equal(t, 1, sched.fire(), "only the last timer may survive")
	assert.Equal(t, []int{3}, out.Values())
	assert.Equal(t, 0, sched.fire())
}

func TestDebounce_RealTimers(t *testing.T) {
	in := NewSubject[string]()
	out := &recorder[string]{}
	Pipe[string](in, Debounce[string](30*time.Millisecond, nil)).Subscribe(out)

	in.OnNext("a")
	in.OnNext("b")
	in.OnNext("c")

	require.Eventually(t, func() bool { return len(out.Values()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"c"}, out.Values())
}

func TestDebounce_CompletionFlushes(t *testing.T) {
	sched := &manualScheduler{}
	out := &recorder[int]{}
	Pipe(Of(1, 2), Debounce[int](time.Second, sched)).Subscribe(out)

	assert.Equal(t, []int{2}, out.Values())
	assert.True(t, out.completed)
	assert.Equal(t, 0, sched.fire())
}

func TestSample(t *testing.T) {
	sched := &manualScheduler{}
	in := NewSubject[int]()
	out := &recorder[int]{}
	sub := Pipe[int](in, Sample[int](time.Second, sched)).Subscribe(out)

	in.OnNext(1)
	in.OnNext(2)
	sched.fire()
	sched.fire()
	in.OnNext(3)
	sched.fire()
	sub.Unsubscribe()
	in.OnNext(4)
	sched.fire()

	assert.Equal(t, []int{2, 3}, out.Values())
}

func TestWindowCount(t *testing.T) {
	sum := func(b []int) int {
		total := 0
		for _, v := range b {
			total += v
		}
		return total
	}
	out := &recorder[int]{}
	Pipe(Of(1, 2, 3, 4, 5), WindowCount(2, sum)).Subscribe(out)

	assert.Equal(t, []int{3, 7, 5}, out.Values())
}

func TestRouter_DeliversToDestinationAndDownstream(t *testing.T) {
	dest := &recorder[string]{}
	down := &recorder[string]{}

	route := Router(func(v string) []Observer[string] {
		if v == "routed" {
			return []Observer[string]{dest}
		}
		return nil
	})
	Pipe(Of("routed", "local"), route).Subscribe(down)

	assert.Equal(t, []string{"routed"}, dest.Values())
	assert.Equal(t, []string{"routed", "local"}, down.Values())
}

func TestGroupAndPipe_Isolation(t *testing.T) {
	type sample struct {
		Src string
		V   float64
	}
	mean := func(b []sample) sample {
		total := 0.0
		for _, s := range b {
			total += s.V
		}
		return sample{Src: b[0].Src, V: total / float64(len(b))}
	}

	out := &recorder[sample]{}
	Pipe(Of(
		sample{"A", 10}, sample{"B", 100}, sample{"A", 20}, sample{"B", 300},
		sample{"A", 30}, sample{"A", 50},
	), GroupAndPipe(func(s sample) string { return s.Src }, WindowCount(2, mean))).Subscribe(out)

	assert.Equal(t, []sample{{"A", 15}, {"B", 200}, {"A", 40}}, out.Values())
	assert.True(t, out.completed)
}

func TestThrough_MergesProducers(t *testing.T) {
	shared := NewSubject[int]()
	src := NewSubject[int]()
	out := &recorder[int]{}
	Pipe[int](src, Through(shared)).Subscribe(out)

	src.OnNext(1)
	shared.OnNext(2)

	assert.Equal(t, []int{1, 2}, out.Values())
}

func TestMapFilterTap(t *testing.T) {
	var tapped []int
	out := &recorder[string]{}
	double := Map(func(v int) string { return string(rune('a' + v)) })
	double(Pipe(Of(0, 1, 2, 3),
		Filter(func(v int) bool { return v%2 == 1 }),
		Tap(func(v int) { tapped = append(tapped, v) }),
	)).Subscribe(out)

	assert.Equal(t, []int{1, 3}, tapped)
	assert.Equal(t, []string{"b", "d"}, out.Values())
}

func TestMerge(t *testing.T) {
	out := &recorder[int]{}
	Merge(Of(1, 2), Of(3)).Subscribe(out)

	assert.ElementsMatch(t, []int{1, 2, 3}, out.Values())
	assert.True(t, out.completed)
}

func TestComposite_AddAfterUnsubscribe(t *testing.T) {
	released := 0
	c := NewComposite(NewSubscription(func() { released++ }))
	c.Unsubscribe()
	c.Add(NewSubscription(func() { released++ }))
	c.Unsubscribe()

	assert.Equal(t, 2, released)
}
