package mape

import (
	"sync"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/knowledge"
)

// DefaultLevel holds loops created without an explicit level.
const DefaultLevel = "default"

// Level groups loops that share a Knowledge namespace.
type Level struct {
	uid string
	app *App
	k   *knowledge.Knowledge

	mu    sync.RWMutex
	loops map[string]*Loop
	order []*Loop
}

func (lv *Level) add(l *Loop) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.loops[l.uid] = l
	lv.order = append(lv.order, l)
}

// UID returns the level uid.
func (lv *Level) UID() string { return lv.uid }

// Path returns the level uid.
func (lv *Level) Path() string { return lv.uid }

// K returns the level's Knowledge namespace (k.level.<uid>.).
func (lv *Level) K() *knowledge.Knowledge { return lv.k }

// Lookup returns the loop registered as uid in this level.
func (lv *Level) Lookup(uid string) (*Loop, bool) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	l, ok := lv.loops[uid]
	return l, ok
}

// Loop returns the loop registered as uid or a not-found error.
func (lv *Level) Loop(uid string) (*Loop, error) {
	if l, ok := lv.Lookup(uid); ok {
		return l, nil
	}
	return nil, errors.NotFound("loop", uid, lv.uid)
}

// Loops returns the loops in registration order.
func (lv *Level) Loops() []*Loop {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return append([]*Loop(nil), lv.order...)
}

// LoopUIDs returns the loop uids in registration order.
func (lv *Level) LoopUIDs() []string {
	loops := lv.Loops()
	uids := make([]string, len(loops))
	for i, l := range loops {
		uids[i] = l.uid
	}
	return uids
}
