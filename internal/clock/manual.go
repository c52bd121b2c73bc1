package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Timers only
// fire when Advance moves the clock past their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	waiters []chan struct{}
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &manualTimer{at: m.now.Add(d), ch: ch})
	for _, w := range m.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return ch
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(m.now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.ch <- m.now
	}
	m.timers = remaining
	return m.now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// WaitForTimers blocks until at least n timers are scheduled or the timeout
// elapses. It reports whether the count was reached.
func (m *Manual) WaitForTimers(n int, timeout time.Duration) bool {
	signal := make(chan struct{}, 1)
	m.mu.Lock()
	if len(m.timers) >= n {
		m.mu.Unlock()
		return true
	}
	m.waiters = append(m.waiters, signal)
	m.mu.Unlock()
	defer m.removeWaiter(signal)

	deadline := time.After(timeout)
	for {
		select {
		case <-signal:
			if m.Pending() >= n {
				return true
			}
		case <-deadline:
			return m.Pending() >= n
		}
	}
}

func (m *Manual) removeWaiter(signal chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == signal {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}
