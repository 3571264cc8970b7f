package mape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/stream"
)

type recorder struct {
	mu        sync.Mutex
	values    []any
	err       error
	completed bool
}

func (r *recorder) OnNext(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) OnCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}

func (r *recorder) Values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func (r *recorder) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func newLoop(t *testing.T, app *App, uid string) *Loop {
	t.Helper()
	l, err := NewLoop(app, uid)
	require.NoError(t, err)
	return l
}

func TestRejectedLoopCreatesNoLevel(t *testing.T) {
	app := NewApp()
	newLoop(t, app, "highway")

	_, err := NewLoop(app, "highway", InLevel("north"))
	assert.ErrorIs(t, err, errors.ErrConflict)
	_, err = NewLoop(app, "bad.uid", InLevel("south"))
	require.Error(t, err)

	_, ok := app.LookupLevel("north")
	assert.False(t, ok)
	_, ok = app.LookupLevel("south")
	assert.False(t, ok)
	assert.Equal(t, []string{DefaultLevel}, app.LevelUIDs())

	l, err := NewLoop(app, "city", InLevel("north"))
	require.NoError(t, err)
	assert.Equal(t, "north", l.Level().UID())
	assert.Equal(t, []string{DefaultLevel, "north"}, app.LevelUIDs())
}

func TestRegistration_UIDs(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "highway")

	_, err := NewMonitor(l, WithUID("speed"))
	require.NoError(t, err)

	_, err = NewMonitor(l, WithUID("speed"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.True(t, errors.IsFatal(err))

	_, err = NewPlan(l, WithUID("start"))
	assert.ErrorIs(t, err, errors.ErrReservedName)

	_, err = NewPlan(l, WithUID("a.b"))
	assert.ErrorIs(t, err, errors.ErrInvalidUID)

	seen := map[string]bool{"speed": true}
	for range 50 {
		e, err := NewAnalyze(l)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(e.UID(), "a_"), e.UID())
		assert.Len(t, e.UID(), len("a_")+8)
		assert.False(t, seen[e.UID()], "duplicate uid %s", e.UID())
		seen[e.UID()] = true
	}

	_, err = NewLoop(app, "highway")
	assert.ErrorIs(t, err, errors.ErrConflict)
	_, err = NewLoop(app, "levels")
	assert.ErrorIs(t, err, errors.ErrReservedName)

	auto := newLoop(t, app, "")
	assert.True(t, strings.HasPrefix(auto.UID(), "l_"))
}

func TestResolve(t *testing.T) {
	app := NewApp()
	l, err := NewLoop(app, "highway", InLevel("city"))
	require.NoError(t, err)
	e, err := NewMonitor(l, WithUID("speed"))
	require.NoError(t, err)

	got, err := app.Element("highway.speed")
	require.NoError(t, err)
	assert.Same(t, e, got)

	got, err = app.Element("city.highway.speed")
	require.NoError(t, err)
	assert.Same(t, e, got)

	v, err := app.Resolve("highway")
	require.NoError(t, err)
	assert.Same(t, l, v)

	assert.Equal(t, "highway.speed", e.Path())
	assert.Equal(t, "city", l.Level().UID())
	assert.Equal(t, []string{"city"}, app.LevelUIDs())
	assert.Equal(t, []string{"highway"}, app.LoopUIDs())
	assert.Equal(t, []string{"speed"}, l.ElementUIDs())

	_, err = app.Element("highway.missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, "element 'missing' not found in 'highway'", err.Error())

	_, err = app.Element("nowhere.speed")
	assert.Equal(t, "loop 'nowhere' not found", err.Error())

	_, err = app.Element("town.highway.speed")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestKnowledgePrefixes(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "highway")

	assert.Equal(t, "k.app.", app.K().Prefix())
	assert.Equal(t, "k.loop.highway.", l.K().Prefix())
	assert.Equal(t, "k.level.default.", l.Level().K().Prefix())
	assert.Equal(t, DefaultLevel, l.Level().UID())
}

func TestActivationPolicies(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")

	m, _ := NewMonitor(l)
	a, _ := NewAnalyze(l)
	p, _ := NewPlan(l)
	x, _ := NewExecute(l)
	g, _ := NewElement(l)

	assert.False(t, m.Running())
	assert.False(t, a.Running())
	assert.False(t, p.Running())
	assert.True(t, x.Running())
	assert.False(t, g.Running())

	m.Subscribe(&recorder{})
	g.Subscribe(&recorder{})
	assert.False(t, m.Running(), "monitors start only explicitly")
	assert.False(t, g.Running())

	a.Subscribe(&recorder{})
	p.Subscribe(&recorder{})
	assert.True(t, a.Running())
	assert.True(t, p.Running())

	l.StartMonitors()
	assert.True(t, m.Running())
	assert.False(t, g.Running())

	app.Stop()
	for _, e := range l.Elements() {
		assert.False(t, e.Running(), e.Path())
	}
}

func TestHopMonotonicity(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	m, _ := NewMonitor(l, WithUID("m"))
	a, _ := NewAnalyze(l, WithUID("a"))

	rec := &recorder{}
	m.Subscribe(a)
	a.Subscribe(rec)
	m.Start()

	msg := item.NewMessage(42)
	assert.Equal(t, 0, msg.Hops)
	m.OnNext(msg)

	values := rec.Values()
	require.Len(t, values, 1)
	out := values[0].(*item.Message)
	assert.Equal(t, 2, out.Hops)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 0, msg.Hops, "input message must not be mutated")
	assert.Equal(t, msg.Timestamp, out.Timestamp)
}

func TestEmitStampsSource(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	p, _ := NewPlan(l, WithUID("plan"), WithHandler(func(v any, emit Emit) error {
		emit(item.NewMessage("derived"))
		emit(item.NewMessage("sourced", item.WithSource("elsewhere.x")))
		return nil
	}))
	rec := &recorder{}
	p.Subscribe(rec)
	p.OnNext(1)

	values := rec.Values()
	require.Len(t, values, 2)
	assert.Equal(t, "loop.plan", values[0].(*item.Message).Src)
	assert.Equal(t, "elsewhere.x", values[1].(*item.Message).Src)
}

func TestRouterDualDelivery(t *testing.T) {
	app := NewApp()
	planLoop := newLoop(t, app, "ambulance")
	carLoop := newLoop(t, app, "car")

	var delivered []any
	_, err := NewExecute(carLoop, WithUID("brakes"), WithHandler(func(v any, _ Emit) error {
		delivered = append(delivered, v)
		return nil
	}))
	require.NoError(t, err)

	p, _ := NewPlan(planLoop, WithUID("policy"), WithOutput(app.Router()))
	rec := &recorder{}
	p.Subscribe(rec)

	p.OnNext(item.NewMessage(true, item.WithDestination("car.brakes")))
	p.OnNext(item.NewMessage(false))
	p.OnNext(item.NewMessage(1, item.WithDestination("car.unknown")))

	assert.Len(t, delivered, 1)
	assert.Len(t, rec.Values(), 3)
}

func TestGroupedPipelineIsolation(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "speed")
	a, _ := NewAnalyze(l, WithInput(GroupBySource(MeanWindow(2))))
	rec := &recorder{}
	a.Subscribe(rec)

	for _, in := range []struct {
		src string
		v   int
	}{{"A", 10}, {"B", 100}, {"A", 20}, {"B", 200}, {"A", 30}, {"A", 50}} {
		a.OnNext(item.NewMessage(in.v, item.WithSource(in.src)))
	}

	got := map[string][]float64{}
	for _, v := range rec.Values() {
		m := v.(*item.Message)
		got[m.Src] = append(got[m.Src], m.Value.(float64))
	}
	assert.Equal(t, map[string][]float64{"A": {15, 40}, "B": {150}}, got)
}

func TestDistinctValuesOnPort(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	a, _ := NewAnalyze(l, WithInput(DistinctValues()))
	rec := &recorder{}
	a.Subscribe(rec)

	for _, v := range []int{5, 5, 7, 7, 7, 5} {
		a.OnNext(item.NewMessage(v))
	}
	var got []any
	for _, v := range rec.Values() {
		got = append(got, item.ValueOf(v))
	}
	assert.Equal(t, []any{5, 7, 5}, got)
}

func TestMethodCallExclusivity(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")

	handled := 0
	var gotArgs []any
	var gotKwargs map[string]any
	calls := 0
	p, _ := NewPlan(l, WithUID("limits"),
		WithHandler(func(v any, emit Emit) error { handled++; return nil }),
		WithMethod("set_limit", func(args []any, kwargs map[string]any) error {
			calls++
			gotArgs, gotKwargs = args, kwargs
			return nil
		}),
	)
	p.Subscribe(&recorder{})

	p.OnNext(item.NewMethodCall("set_limit", []any{90}, map[string]any{"unit": "kmh"}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, handled)
	assert.Equal(t, []any{90}, gotArgs)
	assert.Equal(t, map[string]any{"unit": "kmh"}, gotKwargs)

	p.OnNext(item.NewMethodCall("missing", nil, nil))
	assert.Equal(t, 0, handled)
}

func TestMethodCallsFollowLifecycle(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	pings := 0
	m, _ := NewMonitor(l, WithMethod("ping", func([]any, map[string]any) error {
		pings++
		return nil
	}))

	m.OnNext(item.NewMethodCall("ping", nil, nil))
	m.OnNext(item.NewMethodCall("start", nil, nil))
	assert.Equal(t, 0, pings, "never started")
	assert.False(t, m.Running())

	m.Start()
	m.OnNext(item.NewMethodCall("ping", nil, nil))
	assert.Equal(t, 1, pings)
	assert.True(t, m.In().Started())

	m.Stop()
	m.OnNext(item.NewMethodCall("ping", nil, nil))
	assert.Equal(t, 1, pings, "stopped")
	assert.False(t, m.In().Started())

	m.Start()
	m.OnNext(item.NewMethodCall("stop", nil, nil))
	assert.False(t, m.Running())
	m.OnNext(item.NewMethodCall("ping", nil, nil))
	assert.Equal(t, 1, pings, "stopped by method call")
}

func TestPortStartedConcurrentWithLifecycle(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	m, _ := NewMonitor(l)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = m.In().Started()
				_ = m.Out().Started()
			}
		}
	}()
	for i := 0; i < 100; i++ {
		m.Start()
		m.Stop()
	}
	close(done)
	wg.Wait()
	assert.False(t, m.In().Started())
}

func TestHandlerFailureIsContained(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	a, _ := NewAnalyze(l, WithHandler(func(v any, emit Emit) error {
		switch item.ValueOf(v) {
		case 2:
			return fmt.Errorf("cannot analyze %v", v)
		case 3:
			panic("bad sensor")
		}
		emit(v)
		return nil
	}))
	rec := &recorder{}
	a.Subscribe(rec)

	for _, v := range []int{1, 2, 3, 4} {
		a.OnNext(v)
	}
	assert.Equal(t, []any{1, 4}, rec.Values())
	assert.True(t, a.Running())
}

func TestStoppedElementDiscardsInput(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	a, _ := NewAnalyze(l)
	rec := &recorder{}
	a.Subscribe(rec)

	a.OnNext(1)
	a.Stop()
	a.OnNext(2)
	a.Start()
	a.OnNext(3)
	assert.Equal(t, []any{1, 3}, rec.Values())
}

func TestTerminalSignalsForwarded(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	a, _ := NewAnalyze(l, WithInput(MeanWindow(3)))
	rec := &recorder{}
	a.Subscribe(rec)

	a.OnNext(item.NewMessage(1))
	a.OnNext(item.NewMessage(2))
	a.OnCompleted()

	require.Len(t, rec.Values(), 1)
	assert.Equal(t, 1.5, item.ValueOf(rec.Values()[0]))
	assert.True(t, rec.Completed())
}

func TestAsyncHandler(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")

	release := make(chan struct{})
	done := make(chan struct{}, 2)
	a, _ := NewAnalyze(l, WithAsyncHandler(func(ctx context.Context, v any, emit Emit) error {
		if item.ValueOf(v) == "slow" {
			<-release
		}
		emit(v)
		done <- struct{}{}
		return nil
	}))
	rec := &recorder{}
	a.Subscribe(rec)

	a.OnNext("fast")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler did not run")
	}
	assert.Equal(t, []any{"fast"}, rec.Values())

	a.OnNext("slow")
	a.Stop()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler did not finish")
	}
	assert.Equal(t, []any{"fast"}, rec.Values(), "emissions after stop are dropped")
}

func TestProcessBypassesPorts(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	a, _ := NewAnalyze(l, WithHandler(func(v any, emit Emit) error {
		emit(item.ValueOf(v).(int) * 2)
		return nil
	}))

	var got []any
	a.Process(21, func(v any) { got = append(got, v) })
	assert.Equal(t, []any{42}, got)
	assert.False(t, a.Running())
}

func TestPortOperatorsAreCopied(t *testing.T) {
	app := NewApp()
	l := newLoop(t, app, "loop")
	op := stream.Filter(func(any) bool { return true })
	a, _ := NewAnalyze(l, WithInput(op))
	ops := a.In().Operators()
	ops[0] = nil
	assert.NotNil(t, a.In().Operators()[0])
	assert.Equal(t, PortIn, a.In().Name())
	assert.Equal(t, PortOut, a.Out().Name())
}
