package persist

import (
	"sync"
	"time"

	"pkt.systems/statebus/internal/clock"
)

// Debouncer coalesces save requests. The first Trigger after a run arms a
// single timer; further triggers before it fires are absorbed. fn runs on the
// timer goroutine, or synchronously from Flush.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	idle    *sync.Cond
	pending chan struct{}
	running int
	closed  bool
}

// NewDebouncer constructs a debouncer that runs fn delay after the first
// Trigger.
func NewDebouncer(c clock.Clock, delay time.Duration, fn func()) *Debouncer {
	d := &Debouncer{
		clock: clock.Or(c),
		delay: delay,
		fn:    fn,
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Trigger arms the timer unless it is already armed or the debouncer is
// closed.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.pending != nil {
		return
	}
	cancel := make(chan struct{})
	d.pending = cancel
	fire := d.clock.After(d.delay)
	go func() {
		select {
		case <-fire:
		case <-cancel:
			return
		}
		d.mu.Lock()
		if d.pending != cancel {
			d.mu.Unlock()
			return
		}
		d.pending = nil
		d.running++
		d.mu.Unlock()

		d.fn()

		d.mu.Lock()
		d.running--
		d.idle.Broadcast()
		d.mu.Unlock()
	}()
}

// Pending reports whether a run is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Flush cancels an armed timer and runs fn synchronously in its place. It
// first waits for a run already in progress. It reports whether fn ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	cancel := d.pending
	d.pending = nil
	for d.running > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
	if cancel == nil {
		return false
	}
	close(cancel)
	d.fn()
	return true
}

// Close flushes and disables further triggers.
func (d *Debouncer) Close() bool {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Flush()
}
