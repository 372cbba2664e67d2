package state

import (
	"sync"
	"time"
)

// Change is delivered to subscribers after every applied event.
type Change struct {
	Target string
	Before ControlState
	After  ControlState
	Event  Event
}

// Table holds the control state of every target seen so far.
// Entries are created lazily on first event and never removed.
type Table struct {
	// deliverMu orders subscriber delivery to match apply order
	deliverMu sync.Mutex

	mu     sync.RWMutex
	states map[string]ControlState
	now    func() time.Time

	subMu  sync.RWMutex
	subs   map[int]func(Change)
	nextID int
}

// NewTable creates an empty state table.
func NewTable() *Table {
	return &Table{
		states: make(map[string]ControlState),
		subs:   make(map[int]func(Change)),
		now:    time.Now,
	}
}

// Get returns the state of a target.
func (t *Table) Get(target string) (ControlState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[target]
	return s, ok
}

// Apply applies e to the target's state and notifies subscribers.
// Subscribers run synchronously on the caller's goroutine and see changes in
// the order they were applied. They may call Get but must not call Apply.
func (t *Table) Apply(target string, e Event) ControlState {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	before := t.states[target]
	after := Apply(before, e)
	after.UpdatedAt = t.now()
	t.states[target] = after
	t.mu.Unlock()

	t.notify(Change{Target: target, Before: before, After: after, Event: e})
	return after
}

// Snapshot returns a copy of all states.
func (t *Table) Snapshot() map[string]ControlState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]ControlState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Subscribe registers fn for every change. The returned func removes it.
func (t *Table) Subscribe(fn func(Change)) func() {
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Table) notify(c Change) {
	t.subMu.RLock()
	fns := make([]func(Change), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
