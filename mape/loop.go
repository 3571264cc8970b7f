package mape

import (
	"sync"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/knowledge"
)

// Loop groups the elements of one control loop and owns their Knowledge namespace.
type Loop struct {
	uid   string
	app   *App
	level *Level
	k     *knowledge.Knowledge

	mu       sync.RWMutex
	elements map[string]*Element
	order    []*Element
}

// LoopOption configures a loop at construction.
type LoopOption func(*loopConfig)

type loopConfig struct {
	level string
}

// InLevel places the loop in the named level, creating the level if needed.
func InLevel(uid string) LoopOption {
	return func(c *loopConfig) { c.level = uid }
}

// NewLoop registers a loop in app. An empty uid is replaced by a generated one.
func NewLoop(app *App, uid string, opts ...LoopOption) (*Loop, error) {
	cfg := loopConfig{level: DefaultLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Loop{
		app:      app,
		elements: make(map[string]*Element),
	}
	var err error
	if l.uid, err = app.registerLoop(l, uid, cfg.level); err != nil {
		return nil, err
	}
	l.level.add(l)
	l.k = app.knowledge("k.loop." + l.uid + ".")
	return l, nil
}

func (l *Loop) register(e *Element, uid, prefix string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uid == "" {
		uid = generateUID(prefix, func(c string) bool {
			_, taken := l.elements[c]
			return taken || reservedElementUIDs[c]
		})
	}
	if err := validateUID("element", uid, l.uid, reservedElementUIDs); err != nil {
		return "", err
	}
	if _, exists := l.elements[uid]; exists {
		return "", errors.Conflict("element", uid, l.uid, errors.ErrConflict)
	}

	l.elements[uid] = e
	l.order = append(l.order, e)
	return uid, nil
}

// UID returns the loop uid, unique within the app.
func (l *Loop) UID() string { return l.uid }

// Path returns the loop uid; loops are addressed without their level.
func (l *Loop) Path() string { return l.uid }

func (l *Loop) String() string { return l.uid }

// App returns the owning app.
func (l *Loop) App() *App { return l.app }

// Level returns the level the loop belongs to.
func (l *Loop) Level() *Level { return l.level }

// K returns the loop's Knowledge namespace (k.loop.<uid>.).
func (l *Loop) K() *knowledge.Knowledge { return l.k }

// Lookup returns the element registered as uid.
func (l *Loop) Lookup(uid string) (*Element, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.elements[uid]
	return e, ok
}

// Element returns the element registered as uid or a not-found error.
func (l *Loop) Element(uid string) (*Element, error) {
	if e, ok := l.Lookup(uid); ok {
		return e, nil
	}
	return nil, errors.NotFound("element", uid, l.uid)
}

// Elements returns the elements in registration order.
func (l *Loop) Elements() []*Element {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Element(nil), l.order...)
}

// ElementUIDs returns the element uids in registration order.
func (l *Loop) ElementUIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	uids := make([]string, len(l.order))
	for i, e := range l.order {
		uids[i] = e.uid
	}
	return uids
}

// StartMonitors starts every monitor of the loop.
func (l *Loop) StartMonitors() {
	for _, e := range l.Elements() {
		if e.kind == KindMonitor {
			e.Start()
		}
	}
}

// Stop stops every element of the loop.
func (l *Loop) Stop() {
	for _, e := range l.Elements() {
		e.Stop()
	}
}
