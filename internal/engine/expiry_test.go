package engine

import (
	"testing"
	"time"
)

func waitForSweep(t *testing.T, e *Engine, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		running := e.expiry.running()
		e.mu.Unlock()
		if running == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep running=%v, want %v", running, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStateExpiryPublishesSingleNull(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	c := newTestConn("c1")
	e.Subscribe(c, "*")
	set, err := e.SetState("motion", StateUpdate{Val: true, HasVal: true, Expire: 1})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if set.Expire == nil || *set.Expire != 1000 {
		t.Fatalf("expected 1000ms remaining, got %v", set.Expire)
	}
	c.wait(t)

	if !clk.WaitForTimers(1, time.Second) {
		t.Fatalf("sweep did not schedule a tick")
	}
	clk.Advance(DefaultExpiryInterval)
	n := c.wait(t)
	st, ok := n.Payload.(*State)
	if n.ID != "motion" || !ok || st.Val != nil || st.Expire != nil {
		t.Fatalf("unexpected expiry notification %+v", n)
	}
	wantTS := testEpoch.Add(DefaultExpiryInterval).Unix()
	if st.TS != wantTS || st.LC != wantTS {
		t.Fatalf("expiry should refresh ts and lc: %+v", st)
	}
	waitForSweep(t, e, false)

	stored, _ := e.GetState("motion")
	if stored == nil || stored.Val != nil {
		t.Fatalf("record should be kept with null value: %+v", stored)
	}
	if got := len(c.notifications()); got != 2 {
		t.Fatalf("expected exactly one expiry notification, got %d total", got)
	}
}

func TestExpiryDeductsTimeSinceLastTick(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	e.SetState("first", StateUpdate{Val: 1.0, HasVal: true, Expire: 60})
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatalf("sweep did not schedule a tick")
	}
	clk.Advance(3 * time.Second)
	second, _ := e.SetState("second", StateUpdate{Val: 1.0, HasVal: true, Expire: 4})
	if second.Expire == nil || *second.Expire != 1000 {
		t.Fatalf("expected 4s minus 3s since last tick, got %v", second.Expire)
	}
	clk.Advance(2 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := e.GetState("second")
		if st.Val == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second did not expire on the first tick")
		}
		time.Sleep(time.Millisecond)
	}
	first, _ := e.GetState("first")
	if first.Val != 1.0 || first.Expire == nil || *first.Expire != 55000 {
		t.Fatalf("first should still be armed with 55s left: %+v", first)
	}
}

func TestWriteWithoutExpireDisarms(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.SetState("a", StateUpdate{Val: 1.0, HasVal: true, Expire: 1})
	e.SetState("a", Value(2.0))
	e.mu.Lock()
	_, armed := e.expiry.remaining(timerState, "a")
	e.mu.Unlock()
	if armed {
		t.Fatalf("plain write should disarm the ttl")
	}
	st, _ := e.GetState("a")
	if st.Expire != nil {
		t.Fatalf("expire field should be cleared: %+v", st)
	}
}

func TestSessionExpiresSilently(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	c := newTestConn("c1")
	e.Subscribe(c, "*")
	e.SubscribeConfig(c, "*")
	if err := e.SetSession("sess", 2, map[string]any{"user": "admin"}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	s, _ := e.GetSession("sess")
	if s == nil || s.Expire != 2000 || s.Payload.(map[string]any)["user"] != "admin" {
		t.Fatalf("unexpected session %+v", s)
	}
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatalf("sweep did not schedule a tick")
	}
	clk.Advance(DefaultExpiryInterval)
	waitForSweep(t, e, false)
	if s, _ := e.GetSession("sess"); s != nil {
		t.Fatalf("session should be gone: %+v", s)
	}
	if n := len(c.notifications()); n != 0 {
		t.Fatalf("session expiry must not publish, got %d", n)
	}
}

func TestSetSessionReplacesAndRearms(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.SetSession("s", 10, map[string]any{"a": 1.0})
	e.SetSession("s", 20, nil)
	s, _ := e.GetSession("s")
	if s.Expire != 20000 {
		t.Fatalf("expected re-armed session, got %+v", s)
	}
	if p, ok := s.Payload.(map[string]any); !ok || len(p) != 0 {
		t.Fatalf("expected replaced empty payload, got %+v", s.Payload)
	}
	if err := e.DestroySession("s"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := e.DestroySession("s"); err != nil {
		t.Fatalf("destroy twice: %v", err)
	}
	if s, _ := e.GetSession("s"); s != nil {
		t.Fatalf("session still present")
	}
}

func TestCloseExpiresArmedStates(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := newTestConn("c1")
	e.Subscribe(c, "*")
	e.SetState("a", StateUpdate{Val: "on", HasVal: true, Expire: 600})
	c.wait(t)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	n := c.wait(t)
	if st := n.Payload.(*State); st.Val != nil {
		t.Fatalf("close should null armed states: %+v", st)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
