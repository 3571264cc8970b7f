package mape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/stream"
)

// Kind is the MAPE role of an element. Roles differ only in when the element
// starts processing.
type Kind int

const (
	// KindElement starts only when Start is called.
	KindElement Kind = iota
	// KindMonitor starts only when Start is called.
	KindMonitor
	// KindAnalyze starts on its first downstream subscription.
	KindAnalyze
	// KindPlan starts on its first downstream subscription.
	KindPlan
	// KindExecute starts at construction.
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindMonitor:
		return "monitor"
	case KindAnalyze:
		return "analyze"
	case KindPlan:
		return "plan"
	case KindExecute:
		return "execute"
	default:
		return "element"
	}
}

func (k Kind) uidPrefix() string {
	switch k {
	case KindMonitor:
		return "m_"
	case KindAnalyze:
		return "a_"
	case KindPlan:
		return "p_"
	case KindExecute:
		return "e_"
	default:
		return "el_"
	}
}

func (k Kind) startsOnSubscribe() bool {
	return k == KindAnalyze || k == KindPlan
}

// Emit pushes a value to the element's output port.
type Emit func(value any)

// Handler is synchronous business logic. It may call emit any number of times.
type Handler func(value any, emit Emit) error

// AsyncHandler is business logic run on its own goroutine per input. Emits are
// handed back to the scheduler.
type AsyncHandler func(ctx context.Context, value any, emit Emit) error

// Method is invoked by a MethodCall addressed to the element.
type Method func(args []any, kwargs map[string]any) error

// Node is the capability set shared by every element.
type Node interface {
	UID() string
	Path() string
	Start()
	Stop()
	Running() bool
	Process(value any, emit Emit)
}

// Option configures an element at construction.
type Option func(*elementConfig)

type elementConfig struct {
	uid     string
	handler Handler
	async   AsyncHandler
	in      []stream.Operator[any]
	out     []stream.Operator[any]
	methods map[string]Method
}

// WithUID sets an explicit uid instead of a generated one.
func WithUID(uid string) Option {
	return func(c *elementConfig) { c.uid = uid }
}

// WithHandler registers synchronous business logic.
func WithHandler(h Handler) Option {
	return func(c *elementConfig) { c.handler, c.async = h, nil }
}

// WithAsyncHandler registers asynchronous business logic.
func WithAsyncHandler(h AsyncHandler) Option {
	return func(c *elementConfig) { c.async, c.handler = h, nil }
}

// WithInput appends operators to the input port.
func WithInput(ops ...stream.Operator[any]) Option {
	return func(c *elementConfig) { c.in = append(c.in, ops...) }
}

// WithOutput appends operators to the output port.
func WithOutput(ops ...stream.Operator[any]) Option {
	return func(c *elementConfig) { c.out = append(c.out, ops...) }
}

// WithMethod registers a method callable through MethodCall.
func WithMethod(name string, fn Method) Option {
	return func(c *elementConfig) {
		if c.methods == nil {
			c.methods = make(map[string]Method)
		}
		c.methods[name] = fn
	}
}

// Element is a named processing node owning an input and an output port.
type Element struct {
	uid  string
	kind Kind
	loop *Loop
	in   *Port
	out  *Port

	life    sync.Mutex // serializes Start and Stop
	mu      sync.Mutex
	running bool
	handler Handler
	async   AsyncHandler
	methods map[string]Method

	logger  *slog.Logger
	lateLog *rate.Limiter
}

var _ Node = (*Element)(nil)

// NewElement registers a generic element that starts only on Start.
func NewElement(loop *Loop, opts ...Option) (*Element, error) {
	return newElement(loop, KindElement, opts)
}

// NewMonitor registers a monitor. Monitors start only on Start.
func NewMonitor(loop *Loop, opts ...Option) (*Element, error) {
	return newElement(loop, KindMonitor, opts)
}

// NewAnalyze registers an analyzer. It starts on its first subscriber.
func NewAnalyze(loop *Loop, opts ...Option) (*Element, error) {
	return newElement(loop, KindAnalyze, opts)
}

// NewPlan registers a planner. It starts on its first subscriber.
func NewPlan(loop *Loop, opts ...Option) (*Element, error) {
	return newElement(loop, KindPlan, opts)
}

// NewExecute registers an executer. It is started before being returned.
func NewExecute(loop *Loop, opts ...Option) (*Element, error) {
	return newElement(loop, KindExecute, opts)
}

func newElement(loop *Loop, kind Kind, opts []Option) (*Element, error) {
	cfg := elementConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Element{
		kind:    kind,
		loop:    loop,
		in:      newPort(PortIn, cfg.in),
		out:     newPort(PortOut, cfg.out),
		handler: cfg.handler,
		async:   cfg.async,
		methods: map[string]Method{},
		lateLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for name, fn := range cfg.methods {
		e.methods[name] = fn
	}

	uid, err := loop.register(e, cfg.uid, kind.uidPrefix())
	if err != nil {
		return nil, err
	}
	e.uid = uid
	e.logger = loop.app.logger.With("loop", loop.uid, "element", uid, "kind", kind.String())

	if _, ok := e.methods["start"]; !ok {
		e.methods["start"] = func([]any, map[string]any) error { e.Start(); return nil }
	}
	if _, ok := e.methods["stop"]; !ok {
		e.methods["stop"] = func([]any, map[string]any) error { e.Stop(); return nil }
	}

	if kind == KindExecute {
		e.Start()
	}
	return e, nil
}

// UID returns the element uid, unique within its loop.
func (e *Element) UID() string { return e.uid }

// Kind returns the MAPE role.
func (e *Element) Kind() Kind { return e.kind }

// Loop returns the owning loop.
func (e *Element) Loop() *Loop { return e.loop }

// Path returns "loop.element".
func (e *Element) Path() string { return e.loop.uid + PathSeparator + e.uid }

func (e *Element) String() string { return e.Path() }

// In returns the input port.
func (e *Element) In() *Port { return e.in }

// Out returns the output port.
func (e *Element) Out() *Port { return e.out }

// Running reports whether the pipelines are active.
func (e *Element) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// RegisterSyncHandler replaces the business logic with a synchronous handler.
func (e *Element) RegisterSyncHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler, e.async = h, nil
}

// RegisterAsyncHandler replaces the business logic with an asynchronous handler.
func (e *Element) RegisterAsyncHandler(h AsyncHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.async, e.handler = h, nil
}

// RegisterMethod makes fn callable through a MethodCall named name.
func (e *Element) RegisterMethod(name string, fn Method) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods[name] = fn
}

// Start builds the input, method call and output pipelines. Starting a
// running element does nothing.
func (e *Element) Start() {
	e.life.Lock()
	defer e.life.Unlock()
	if e.Running() {
		return
	}

	debug := e.logger.Enabled(context.Background(), slog.LevelDebug)

	var outTap []stream.Operator[any]
	if debug {
		outTap = append(outTap, e.debugTap(PortOut))
	}
	outPipe := stream.Pipe(e.out.pipeline(), outTap...)
	e.out.attach(outPipe.Subscribe(stream.ObserverFuncs[any]{
		Next: func(v any) {
			e.loop.app.metrics.RecordItem(e.loop.uid, e.uid, PortOut)
			e.out.output.OnNext(v)
		},
		Error:     e.out.output.OnError,
		Completed: e.out.output.OnCompleted,
	}))

	prefix := []stream.Operator[any]{}
	if debug {
		prefix = append(prefix, e.debugTap(PortIn))
	}
	prefix = append(prefix,
		stream.Filter(func(v any) bool { return !item.IsMethodCall(v) }),
		stream.Map(hop),
	)
	values := e.in.pipeline(prefix...).Subscribe(stream.ObserverFuncs[any]{
		Next:      e.dispatch,
		Error:     e.out.OnError,
		Completed: e.out.OnCompleted,
	})
	// Method calls bypass the input operators and the business logic, and
	// like values they are only served while the element runs.
	calls := stream.Pipe[any](e.in.stream, stream.Filter(item.IsMethodCall)).Subscribe(
		stream.NextFunc(func(v any) { e.invoke(v.(*item.MethodCall)) }),
	)
	e.in.attach(stream.NewComposite(values, calls))

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.loop.app.metrics.RecordRunning(e.loop.uid, e.uid, true)
	e.logger.Debug("Element started")
}

// Stop disposes the pipelines. The input port stays writable; values pushed
// while stopped are discarded. In-flight async invocations are not cancelled.
func (e *Element) Stop() {
	e.life.Lock()
	defer e.life.Unlock()
	if !e.Running() {
		return
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.in.detach()
	e.out.detach()
	e.loop.app.metrics.RecordRunning(e.loop.uid, e.uid, false)
	e.logger.Debug("Element stopped")
}

// OnNext pushes v into the input port, so an element can subscribe to another.
func (e *Element) OnNext(v any) { e.in.OnNext(v) }

// OnError pushes err into the input port.
func (e *Element) OnError(err error) { e.in.OnError(err) }

// OnCompleted pushes completion into the input port.
func (e *Element) OnCompleted() { e.in.OnCompleted() }

// Subscribe attaches o to the output port. Analyzers and planners start here.
func (e *Element) Subscribe(o stream.Observer[any]) stream.Subscription {
	sub := e.out.output.Subscribe(o)
	if e.kind.startsOnSubscribe() {
		e.Start()
	}
	return sub
}

// Tap attaches o to the output port without starting the element.
func (e *Element) Tap(o stream.Observer[any]) stream.Subscription {
	return e.out.output.Subscribe(o)
}

// Process runs the business logic on value directly, bypassing the ports.
func (e *Element) Process(value any, emit Emit) {
	h, async := e.handlers()
	if async != nil {
		go e.runAsync(async, value, emit)
		return
	}
	e.runSync(h, value, emit)
}

func (e *Element) handlers() (Handler, AsyncHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler, e.async
}

func (e *Element) dispatch(v any) {
	e.loop.app.metrics.RecordItem(e.loop.uid, e.uid, PortIn)

	h, async := e.handlers()
	if async != nil {
		go e.runAsync(async, v, e.emitLater)
		return
	}
	e.runSync(h, v, e.emit)
}

func (e *Element) runSync(h Handler, v any, emit Emit) {
	if h == nil {
		emit(v)
		return
	}

	defer e.recoverHandler(v)
	if err := h(v, emit); err != nil {
		e.handlerFailed(v, err)
	}
}

func (e *Element) runAsync(h AsyncHandler, v any, emit Emit) {
	defer e.recoverHandler(v)
	if err := h(e.loop.app.ctx, v, emit); err != nil {
		e.handlerFailed(v, err)
	}
}

func (e *Element) recoverHandler(v any) {
	if r := recover(); r != nil {
		e.handlerFailed(v, fmt.Errorf("panic: %v", r))
	}
}

func (e *Element) handlerFailed(v any, err error) {
	e.loop.app.metrics.RecordElementError(e.loop.uid, e.uid, "handler")
	e.logger.Error("Business logic failed", "value", fmt.Sprint(v), "error", err)
}

// emit stamps unsourced messages with the element path and pushes to the output port.
func (e *Element) emit(v any) {
	if m, ok := v.(*item.Message); ok && m.Src == "" {
		c := *m
		c.Src = e.Path()
		v = &c
	}
	e.out.OnNext(v)
}

// emitLater hands an async emission back to the scheduler. Emissions that
// arrive after Stop are dropped with a warning.
func (e *Element) emitLater(v any) {
	e.loop.app.scheduler.Schedule(func() {
		if !e.Running() {
			e.loop.app.metrics.RecordLateEmission(e.loop.uid, e.uid)
			if e.lateLog.Allow() {
				e.logger.Warn("Dropped emission from async handler after stop", "value", fmt.Sprint(v))
			}
			return
		}
		e.emit(v)
	})
}

func (e *Element) invoke(call *item.MethodCall) {
	e.mu.Lock()
	fn, ok := e.methods[call.Name]
	e.mu.Unlock()

	if !ok {
		e.loop.app.metrics.RecordElementError(e.loop.uid, e.uid, "method")
		e.logger.Error("Method not registered", "method", call.Name)
		return
	}

	e.loop.app.metrics.RecordMethodCall(e.loop.uid, e.uid, call.Name)
	defer func() {
		if r := recover(); r != nil {
			e.loop.app.metrics.RecordElementError(e.loop.uid, e.uid, "method")
			e.logger.Error("Method panicked", "method", call.Name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(call.Args, call.Kwargs); err != nil {
		e.loop.app.metrics.RecordElementError(e.loop.uid, e.uid, "method")
		e.logger.Error("Method failed", "method", call.Name, "error", err)
	}
}

func (e *Element) debugTap(port string) stream.Operator[any] {
	return stream.Tap(func(v any) {
		e.logger.Debug("Port value", "port", port, "value", fmt.Sprint(v))
	})
}

func hop(v any) any {
	switch t := v.(type) {
	case *item.Message:
		return t.Hop()
	case *item.MethodCall:
		return t.Hop()
	}
	return v
}
