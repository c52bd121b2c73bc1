package persist

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/statebus/internal/clock"
)

func TestDebouncerCoalescesTriggers(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	ran := make(chan struct{}, 4)
	var runs atomic.Int32
	d := NewDebouncer(clk, 30*time.Second, func() {
		runs.Add(1)
		ran <- struct{}{}
	})
	d.Trigger()
	d.Trigger()
	d.Trigger()
	if !d.Pending() {
		t.Fatalf("expected pending run")
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected one timer, got %d", clk.Pending())
	}
	clk.Advance(29 * time.Second)
	select {
	case <-ran:
		t.Fatalf("ran before delay elapsed")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Second)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("debounced fn did not run")
	}
	if runs.Load() != 1 {
		t.Fatalf("expected a single run, got %d", runs.Load())
	}
	waitNotPending(t, d)

	d.Trigger()
	if clk.Pending() != 1 {
		t.Fatalf("expected trigger after run to re-arm")
	}
}

func TestDebouncerFlushRunsPendingSynchronously(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var runs atomic.Int32
	d := NewDebouncer(clk, 5*time.Second, func() { runs.Add(1) })
	if d.Flush() {
		t.Fatalf("flush without pending run should report false")
	}
	d.Trigger()
	if !d.Flush() {
		t.Fatalf("flush should run the pending fn")
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", runs.Load())
	}
	clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("cancelled timer still ran: %d", runs.Load())
	}
}

func TestDebouncerCloseDisablesTrigger(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var runs atomic.Int32
	d := NewDebouncer(clk, time.Second, func() { runs.Add(1) })
	d.Trigger()
	if !d.Close() {
		t.Fatalf("close should flush the pending run")
	}
	d.Trigger()
	if d.Pending() {
		t.Fatalf("trigger after close should be ignored")
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", runs.Load())
	}
}

func TestDebouncerFlushWaitsForRunningFn(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	d := NewDebouncer(clk, time.Second, func() {
		close(started)
		<-release
		finished.Store(true)
	})
	d.Trigger()
	clk.Advance(time.Second)
	<-started
	done := make(chan struct{})
	go func() {
		d.Flush()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("flush returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("flush did not return")
	}
	if !finished.Load() {
		t.Fatalf("flush returned before the run finished")
	}
}

func waitNotPending(t *testing.T, d *Debouncer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Pending() {
		if time.Now().After(deadline) {
			t.Fatalf("debouncer still pending")
		}
		time.Sleep(time.Millisecond)
	}
}
