// Package debounce defers writes until a key has been quiet for a fixed window.
package debounce

import (
	"sync"
	"time"
)

// Axis is the property a debounced write changes.
type Axis string

// Debounced axes
const (
	AxisBrightness Axis = "brightness"
	AxisColor      Axis = "color"
	AxisColorTemp  Axis = "color_temp"
	AxisSegment    Axis = "segment"
)

// Key identifies one independent debounce slot. Sub distinguishes segment sets
// on the same device.
type Key struct {
	Target string
	Axis   Axis
	Sub    string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Debouncer holds one cancellable timer per key. Scheduling a key again
// replaces its pending function and restarts the window.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[Key]*entry
	gen     uint64
	closed  bool
}

// New creates a debouncer with the given quiet window.
func New(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[Key]*entry),
	}
}

// Window returns the quiet window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Schedule runs fn after the window unless key is scheduled again first.
// fn runs on its own goroutine.
func (d *Debouncer) Schedule(key Key, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if e, ok := d.pending[key]; ok {
		e.timer.Stop()
	}

	d.gen++
	gen := d.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(d.window, func() { d.fire(key, gen, fn) })
	d.pending[key] = e
}

// fire runs fn only if it is still the latest schedule for key. A timer that
// already fired while being replaced is dropped here.
func (d *Debouncer) fire(key Key, gen uint64, fn func()) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || e.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	fn()
}

// Cancel drops a pending write. It reports whether one was pending.
func (d *Debouncer) Cancel(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending returns the number of scheduled writes.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops all timers. Pending writes are abandoned.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for k, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, k)
	}
}
