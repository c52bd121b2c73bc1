package clock_test

import (
	"testing"
	"time"

	"pkt.systems/statebus/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestOrFallsBackToReal(t *testing.T) {
	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatalf("expected Real clock fallback")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Or(manual) != manual {
		t.Fatalf("expected supplied clock to be returned")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(10 * time.Second)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending timers, got %d", got)
	}

	m.Advance(time.Second)
	select {
	case at := <-short:
		if !at.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
}

func TestManualWaitForTimers(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.After(time.Minute)
	}()
	if !m.WaitForTimers(1, time.Second) {
		t.Fatal("expected a timer to be scheduled")
	}
	if m.WaitForTimers(2, 10*time.Millisecond) {
		t.Fatal("did not expect a second timer")
	}
}
