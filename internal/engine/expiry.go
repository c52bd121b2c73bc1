package engine

import (
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/clock"
)

type timerKind uint8

const (
	timerState timerKind = iota + 1
	timerSession
)

func (k timerKind) String() string {
	switch k {
	case timerState:
		return "state"
	case timerSession:
		return "session"
	default:
		return "unknown"
	}
}

type timerKey struct {
	kind timerKind
	id   string
}

// expiryPolicy decides what a countdown does. expire runs when the remaining
// time reaches zero; remaining reports the new value after each tick.
type expiryPolicy struct {
	expire    func(id string)
	remaining func(id string, left time.Duration)
}

// expiry is one countdown registry shared by every TTL. The sweep goroutine
// runs only while at least one entry is armed and subtracts the measured time
// between ticks rather than the nominal interval. Every method except run
// expects the engine lock to be held.
type expiry struct {
	lock     sync.Locker
	clock    clock.Clock
	interval time.Duration
	logger   pslog.Logger

	entries  map[timerKey]time.Duration
	policies map[timerKind]expiryPolicy
	lastTick time.Time
	stop     chan struct{}
	done     chan struct{}
}

func newExpiry(lock sync.Locker, c clock.Clock, interval time.Duration, logger pslog.Logger) *expiry {
	return &expiry{
		lock:     lock,
		clock:    c,
		interval: interval,
		logger:   logger,
		entries:  make(map[timerKey]time.Duration),
		policies: make(map[timerKind]expiryPolicy),
	}
}

func (x *expiry) register(kind timerKind, policy expiryPolicy) {
	x.policies[kind] = policy
}

func (x *expiry) running() bool {
	return x.stop != nil
}

// arm sets the countdown for (kind, id) and returns the value stored. When
// the sweep is already running the time since its last tick is deducted so
// the next tick does not under-count.
func (x *expiry) arm(kind timerKind, id string, d time.Duration) time.Duration {
	now := x.clock.Now()
	if !x.running() {
		x.lastTick = now
		x.stop = make(chan struct{})
		x.done = make(chan struct{})
		go x.run(x.stop, x.done)
		x.logger.Debug("engine.expiry.started", "interval", x.interval)
	} else {
		d -= now.Sub(x.lastTick)
	}
	x.entries[timerKey{kind: kind, id: id}] = d
	return d
}

func (x *expiry) disarm(kind timerKind, id string) bool {
	key := timerKey{kind: kind, id: id}
	if _, ok := x.entries[key]; !ok {
		return false
	}
	delete(x.entries, key)
	return true
}

func (x *expiry) remaining(kind timerKind, id string) (time.Duration, bool) {
	d, ok := x.entries[timerKey{kind: kind, id: id}]
	return d, ok
}

func (x *expiry) armed() int {
	return len(x.entries)
}

// drain removes every entry of kind and returns the ids in sorted order.
func (x *expiry) drain(kind timerKind) []string {
	var ids []string
	for key := range x.entries {
		if key.kind != kind {
			continue
		}
		ids = append(ids, key.id)
		delete(x.entries, key)
	}
	sort.Strings(ids)
	return ids
}

func (x *expiry) tick(now time.Time) {
	elapsed := now.Sub(x.lastTick)
	x.lastTick = now
	var due []timerKey
	for key, left := range x.entries {
		left -= elapsed
		if left <= 0 {
			delete(x.entries, key)
			due = append(due, key)
			continue
		}
		x.entries[key] = left
		if policy, ok := x.policies[key.kind]; ok && policy.remaining != nil {
			policy.remaining(key.id, left)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].kind != due[j].kind {
			return due[i].kind < due[j].kind
		}
		return due[i].id < due[j].id
	})
	for _, key := range due {
		x.logger.Debug("engine.expiry.fired", "kind", key.kind.String(), "id", key.id)
		if policy, ok := x.policies[key.kind]; ok && policy.expire != nil {
			policy.expire(key.id)
		}
	}
}

func (x *expiry) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-x.clock.After(x.interval):
		}
		x.lock.Lock()
		if x.stop != stop {
			x.lock.Unlock()
			return
		}
		x.tick(x.clock.Now())
		if len(x.entries) == 0 {
			x.stop = nil
			x.done = nil
			x.lock.Unlock()
			x.logger.Debug("engine.expiry.idle")
			return
		}
		x.lock.Unlock()
	}
}

// halt stops the sweep. The returned channel closes when the goroutine has
// exited; wait on it without holding the engine lock.
func (x *expiry) halt() <-chan struct{} {
	if !x.running() {
		return nil
	}
	done := x.done
	close(x.stop)
	x.stop = nil
	x.done = nil
	return done
}
