package peer

import (
	"sync"
	"time"
)

// Debouncer delays fn after a trigger. A trailing debouncer restarts the delay
// on every trigger; a window runs fn once per window no matter how many
// triggers land in it.
type Debouncer struct {
	delay    time.Duration
	fn       func()
	trailing bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer coalesces bursts: fn runs delay after the last Trigger
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn, trailing: true}
}

// NewWindow runs fn delay after the first Trigger of each window
func NewWindow(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		if !d.trailing {
			return
		}
		d.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped || d.timer != t {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
	d.timer = t
}

// Pending reports whether a run is scheduled
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending run; later triggers are ignored
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
