package autodis

import (
	"sync"
	"time"
)

// DefaultWindow is the settle window used when none is configured.
const DefaultWindow = 100 * time.Millisecond

// Debouncer coalesces bursts of contacts into one settled callback: each
// Contact restarts the window, and the callback fires once the window
// passes without another contact. Contact is safe to call from multiple
// goroutines; the callback runs on the timer's goroutine.
type Debouncer struct {
	window  time.Duration
	settled func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer firing settled after window of quiet.
// A non-positive window selects DefaultWindow.
func NewDebouncer(window time.Duration, settled func()) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{window: window, settled: settled}
}

// Contact registers activity, restarting the settle window.
func (d *Debouncer) Contact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.settled)
}

// Stop cancels any pending callback. A stopped debouncer ignores further
// contacts.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
