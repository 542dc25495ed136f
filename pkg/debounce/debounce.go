// Package debounce provides a timer-coalescing primitive: rapid repeated
// calls within a quiet window collapse to the last one, which runs once the
// window elapses without a newer call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer coalesces calls to Do. Only the most recent function passed to
// Do within the window is executed. The zero value is not usable; construct
// with New.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	timer  *time.Timer
	fn     func()
}

// New creates a Debouncer with the given quiet window.
func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	return &Debouncer{window: window}
}

// Do schedules fn to run after the quiet window. A call made before the
// window elapses supersedes any pending one: the earlier function is
// discarded and the timer restarts.
func (d *Debouncer) Do(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fn = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

// Flush runs any pending function immediately and cancels its timer.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fn := d.fn
	d.fn = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel discards any pending function without running it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fn = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a call is waiting for the window to elapse.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
