package engine

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/clock"
)

var testEpoch = time.Unix(1_700_000_000, 0)

type testConn struct {
	id string
	ch chan Notification

	mu  sync.Mutex
	got []Notification
}

func newTestConn(id string) *testConn {
	return &testConn{id: id, ch: make(chan Notification, 64)}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Deliver(n Notification) {
	c.mu.Lock()
	c.got = append(c.got, n)
	c.mu.Unlock()
	select {
	case c.ch <- n:
	default:
	}
}

func (c *testConn) notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.got...)
}

func (c *testConn) wait(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("conn %s: no notification", c.id)
		return Notification{}
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	if opts.Clock == nil {
		opts.Clock = clk
	} else if m, ok := opts.Clock.(*clock.Manual); ok {
		clk = m
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, clk
}

func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }
