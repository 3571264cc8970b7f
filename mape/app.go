package mape

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/knowledge"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/stream"
)

// App is the root registry of a process: it owns every level and loop, the
// root Knowledge namespace and the scheduler pipelines run on.
type App struct {
	ctx       context.Context
	client    redis.UniversalClient
	scheduler stream.Scheduler
	logger    *slog.Logger
	metrics   *metric.Metrics
	k         *knowledge.Knowledge

	mu         sync.RWMutex
	loops      map[string]*Loop
	loopOrder  []*Loop
	levels     map[string]*Level
	levelOrder []*Level
}

// AppOption configures an App.
type AppOption func(*App)

// WithKnowledgeClient sets the store backing every Knowledge namespace.
func WithKnowledgeClient(c redis.UniversalClient) AppOption {
	return func(a *App) { a.client = c }
}

// WithScheduler sets where timers and async emissions run. Defaults to
// stream.ImmediateScheduler.
func WithScheduler(s stream.Scheduler) AppOption {
	return func(a *App) {
		if s != nil {
			a.scheduler = s
		}
	}
}

// WithLogger sets the base logger for elements.
func WithLogger(l *slog.Logger) AppOption {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics enables element metrics.
func WithMetrics(m *metric.Metrics) AppOption {
	return func(a *App) { a.metrics = m }
}

// WithContext sets the context handed to async handlers.
func WithContext(ctx context.Context) AppOption {
	return func(a *App) {
		if ctx != nil {
			a.ctx = ctx
		}
	}
}

// NewApp creates an empty app.
func NewApp(opts ...AppOption) *App {
	a := &App{
		ctx:       context.Background(),
		scheduler: stream.ImmediateScheduler,
		logger:    slog.Default(),
		loops:     make(map[string]*Loop),
		levels:    make(map[string]*Level),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.k = a.knowledge("k.app.")
	return a
}

func (a *App) knowledge(prefix string) *knowledge.Knowledge {
	return knowledge.New(a.client, prefix,
		knowledge.WithLogger(a.logger),
		knowledge.WithMetrics(a.metrics),
		knowledge.WithScheduler(a.scheduler))
}

// K returns the root Knowledge namespace (k.app.).
func (a *App) K() *knowledge.Knowledge { return a.k }

// Scheduler returns the scheduler pipelines run on.
func (a *App) Scheduler() stream.Scheduler { return a.scheduler }

// Logger returns the base logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Metrics returns the metrics sink, possibly nil.
func (a *App) Metrics() *metric.Metrics { return a.metrics }

// Level returns the level registered as uid, creating it on first request.
// An empty uid selects DefaultLevel.
func (a *App) Level(uid string) (*Level, error) {
	if uid == "" {
		uid = DefaultLevel
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.levelLocked(uid)
}

func (a *App) levelLocked(uid string) (*Level, error) {
	if lv, ok := a.levels[uid]; ok {
		return lv, nil
	}
	if err := validateUID("level", uid, "app", nil); err != nil {
		return nil, err
	}

	lv := &Level{
		uid:   uid,
		app:   a,
		loops: make(map[string]*Loop),
		k:     a.knowledge("k.level." + uid + "."),
	}
	a.levels[uid] = lv
	a.levelOrder = append(a.levelOrder, lv)
	return lv, nil
}

// LookupLevel returns an existing level without creating it.
func (a *App) LookupLevel(uid string) (*Level, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	lv, ok := a.levels[uid]
	return lv, ok
}

// registerLoop registers l as uid and joins it to the level levelUID. The
// level is only created once the loop uid is accepted.
func (a *App) registerLoop(l *Loop, uid, levelUID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uid == "" {
		uid = generateUID("l_", func(c string) bool {
			_, taken := a.loops[c]
			return taken
		})
	}
	if err := validateUID("loop", uid, "app", reservedLoopUIDs); err != nil {
		return "", err
	}
	if _, exists := a.loops[uid]; exists {
		return "", errors.Conflict("loop", uid, "app", errors.ErrConflict)
	}
	if levelUID == "" {
		levelUID = DefaultLevel
	}
	level, err := a.levelLocked(levelUID)
	if err != nil {
		return "", err
	}

	l.level = level
	a.loops[uid] = l
	a.loopOrder = append(a.loopOrder, l)
	return uid, nil
}

// Lookup returns the loop registered as uid.
func (a *App) Lookup(uid string) (*Loop, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.loops[uid]
	return l, ok
}

// Loop returns the loop registered as uid or a not-found error.
func (a *App) Loop(uid string) (*Loop, error) {
	if l, ok := a.Lookup(uid); ok {
		return l, nil
	}
	return nil, errors.NotFound("loop", uid, "")
}

// Loops returns the loops in registration order.
func (a *App) Loops() []*Loop {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Loop(nil), a.loopOrder...)
}

// LoopUIDs returns the loop uids in registration order.
func (a *App) LoopUIDs() []string {
	loops := a.Loops()
	uids := make([]string, len(loops))
	for i, l := range loops {
		uids[i] = l.uid
	}
	return uids
}

// Levels returns the levels in creation order.
func (a *App) Levels() []*Level {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*Level(nil), a.levelOrder...)
}

// LevelUIDs returns the level uids in creation order.
func (a *App) LevelUIDs() []string {
	levels := a.Levels()
	uids := make([]string, len(levels))
	for i, lv := range levels {
		uids[i] = lv.uid
	}
	return uids
}

// Resolve walks a dotted path: "loop" yields a *Loop, "loop.element" and
// "level.loop.element" yield an *Element.
func (a *App) Resolve(path string) (any, error) {
	segs := splitPath(path)
	switch len(segs) {
	case 1:
		return a.Loop(segs[0])
	case 2:
		l, err := a.Loop(segs[0])
		if err != nil {
			return nil, err
		}
		return l.Element(segs[1])
	case 3:
		lv, ok := a.LookupLevel(segs[0])
		if !ok {
			return nil, errors.NotFound("level", segs[0], "")
		}
		l, err := lv.Loop(segs[1])
		if err != nil {
			return nil, err
		}
		return l.Element(segs[2])
	}
	return nil, errors.WrapInvalid(errors.ErrInvalidUID, "App", "Resolve", "parse path "+path)
}

// Element resolves a path that must name an element.
func (a *App) Element(path string) (*Element, error) {
	v, err := a.Resolve(path)
	if err != nil {
		return nil, err
	}
	e, ok := v.(*Element)
	if !ok {
		return nil, errors.NotFound("element", path, "")
	}
	return e, nil
}

// Destinations maps an item to the input of the element named by its
// destination path. Unrouted items and unknown paths yield nothing.
func (a *App) Destinations(v any) []stream.Observer[any] {
	dst := item.DestinationOf(v)
	if dst == "" {
		return nil
	}
	e, err := a.Element(dst)
	if err != nil {
		a.logger.Warn("Dropped routed item", "destination", dst, "error", err)
		return nil
	}
	return []stream.Observer[any]{e}
}

// Router returns the gateway operator. Without dest it routes by destination
// path through the app.
func (a *App) Router(dest ...func(any) []stream.Observer[any]) stream.Operator[any] {
	resolve := a.Destinations
	if len(dest) > 0 && dest[0] != nil {
		resolve = dest[0]
	}
	return stream.Router(resolve)
}

// Stop stops every element of every loop.
func (a *App) Stop() {
	for _, l := range a.Loops() {
		l.Stop()
	}
}
