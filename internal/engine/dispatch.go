package engine

import "sync"

// dispatcher runs the process-local change callback on its own goroutine,
// one notification at a time, in publish order. Its queue is unbounded so
// publishing never waits on the callback.
type dispatcher struct {
	fn func(Notification)

	mu     sync.Mutex
	queue  []Notification
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newDispatcher(fn func(Notification)) *dispatcher {
	d := &dispatcher{
		fn:     fn,
		queue:  make([]Notification, 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(n Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, n)
	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

func (d *dispatcher) next() (Notification, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Notification{}, false, d.closed
	}
	n := d.queue[0]
	d.queue[0] = Notification{}
	if len(d.queue) == 1 {
		d.queue = d.queue[:0]
	} else {
		d.queue = d.queue[1:]
	}
	return n, true, false
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		n, ok, closed := d.next()
		if ok {
			d.fn(n)
			continue
		}
		if closed {
			return
		}
		<-d.signal
	}
}

// close drains what is queued and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	select {
	case d.signal <- struct{}{}:
	default:
	}
	d.mu.Unlock()
	<-d.done
}
