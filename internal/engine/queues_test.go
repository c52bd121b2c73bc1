package engine

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func TestPushFifoExistsRequiresFifo(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if _, err := e.PushFifoExists("history.x", 1.0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := e.PushFifo("history.x", 1.0)
	if err != nil || !reflect.DeepEqual(list, []any{1.0}) {
		t.Fatalf("push fifo: %v, %v", list, err)
	}
	list, err = e.PushFifoExists("history.x", 2.0)
	if err != nil || !reflect.DeepEqual(list, []any{1.0, 2.0}) {
		t.Fatalf("push existing: %v, %v", list, err)
	}
	n, err := e.LenFifo("history.x")
	if err != nil || n != 2 {
		t.Fatalf("len: %d, %v", n, err)
	}
	if _, err := e.LenFifo("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("len missing: %v", err)
	}
	if _, err := e.GetFifo("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestGetFifoRangeSkipsOutOfRange(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	for _, v := range []any{0.0, 1.0, nil, 3.0} {
		e.PushFifo("f", v)
	}
	got, err := e.GetFifoRange("f", -2, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if !reflect.DeepEqual(got, []any{0.0, 1.0, nil, 3.0}) {
		t.Fatalf("unexpected range %v", got)
	}
	got, _ = e.GetFifoRange("f", 1, 2)
	if !reflect.DeepEqual(got, []any{1.0, nil}) {
		t.Fatalf("unexpected inner range %v", got)
	}
	got, _ = e.GetFifoRange("f", 3, 1)
	if len(got) != 0 {
		t.Fatalf("inverted range should be empty, got %v", got)
	}
}

func TestGetFifoRangeHugeBoundReturnsPromptly(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.PushFifo("q", 1.0)
	done := make(chan []any, 1)
	go func() {
		got, _ := e.GetFifoRange("q", math.MinInt, math.MaxInt)
		done <- got
	}()
	select {
	case got := <-done:
		if !reflect.DeepEqual(got, []any{1.0}) {
			t.Fatalf("unexpected range %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("getFifoRange with a huge bound did not return")
	}
	if n, err := e.LenFifo("q"); err != nil || n != 1 {
		t.Fatalf("len after range: %d %v", n, err)
	}
}

func TestTrimFifo(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if _, err := e.TrimFifo("f", 2, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for i := 0; i < 5; i++ {
		e.PushFifo("f", float64(i))
	}
	removed, err := e.TrimFifo("f", 2, 5)
	if err != nil || len(removed) != 0 {
		t.Fatalf("trim at max should be a no-op: %v, %v", removed, err)
	}
	e.PushFifo("f", 5.0)
	removed, err = e.TrimFifo("f", 2, 5)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if !reflect.DeepEqual(removed, []any{0.0, 1.0, 2.0, 3.0}) {
		t.Fatalf("unexpected removed entries %v", removed)
	}
	rest, _ := e.GetFifo("f")
	if !reflect.DeepEqual(rest, []any{4.0, 5.0}) {
		t.Fatalf("unexpected remaining entries %v", rest)
	}
	if n, _ := e.LenFifo("f"); n >= 6 {
		t.Fatalf("trim did not shrink the fifo: %d", n)
	}
}

func TestMessageBox(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := newTestConn("c1")
	e.SubscribeMessage(c, "system.adapter.email.0")
	m1, _ := e.PushMessage("system.adapter.email.0", map[string]any{"to": "a"})
	m2, _ := e.PushMessage("other", "x")
	m3, _ := e.PushMessage("system.adapter.email.0", map[string]any{"to": "b"})
	if m1.ID != 0 || m2.ID != 1 || m3.ID != 2 {
		t.Fatalf("message ids must come from one counter: %d %d %d", m1.ID, m2.ID, m3.ID)
	}
	got := c.notifications()
	if len(got) != 2 || got[0].ID != "messagebox.system.adapter.email.0" || got[0].Kind != KindMessageBox {
		t.Fatalf("unexpected message notifications %+v", got)
	}
	if msg, ok := got[1].Payload.(Message); !ok || msg.ID != 2 {
		t.Fatalf("unexpected payload %+v", got[1].Payload)
	}

	n, _ := e.LenMessage("system.adapter.email.0")
	if n != 2 {
		t.Fatalf("expected two queued, got %d", n)
	}
	if err := e.DelMessage("system.adapter.email.0", 99); err != nil {
		t.Fatalf("missing message must not fail: %v", err)
	}
	if err := e.DelMessage("system.adapter.email.0", 0); err != nil {
		t.Fatalf("del: %v", err)
	}
	msg, err := e.GetMessage("system.adapter.email.0")
	if err != nil || msg == nil || msg.ID != 2 {
		t.Fatalf("expected remaining message 2, got %+v, %v", msg, err)
	}
	msg, err = e.GetMessage("system.adapter.email.0")
	if err != nil || msg != nil {
		t.Fatalf("empty box should yield nil, got %+v, %v", msg, err)
	}
	if _, err := e.GetMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := e.LenMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	e.UnsubscribeMessage(c, "system.adapter.email.0")
	e.PushMessage("system.adapter.email.0", "late")
	if len(c.notifications()) != 2 {
		t.Fatalf("unsubscribed box still notified")
	}
}

func TestLogStore(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	c := newTestConn("c1")
	e.SubscribeLog(c, "host.a")
	if _, err := e.LenLog("host.a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	e.PushLog("host.a", map[string]any{"msg": "one"})
	e.PushLog("host.a", map[string]any{"msg": "two"})
	if got := c.notifications(); len(got) != 2 || got[0].ID != "log.host.a" || got[0].Kind != KindLog {
		t.Fatalf("unexpected log notifications %+v", got)
	}
	entry, err := e.GetLog("host.a")
	if err != nil || entry.(map[string]any)["msg"] != "one" {
		t.Fatalf("expected oldest entry, got %v, %v", entry, err)
	}
	n, _ := e.LenLog("host.a")
	if n != 1 {
		t.Fatalf("expected one entry left, got %d", n)
	}
	e.GetLog("host.a")
	entry, err = e.GetLog("host.a")
	if err != nil || entry != nil {
		t.Fatalf("empty log should yield nil, got %v, %v", entry, err)
	}
	e.UnsubscribeLog(c, "host.a")
	e.PushLog("host.a", "x")
	if len(c.notifications()) != 2 {
		t.Fatalf("unsubscribed log still notified")
	}
}

func TestConfigStore(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if err := e.SetConfig("system.adapter.x", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	e.SetConfig("system.adapter.x", map[string]any{"type": "instance"})
	e.SetConfig("system.adapter.y", map[string]any{"type": "instance"})
	e.SetConfig("enum.rooms", map[string]any{"type": "enum"})
	obj, _ := e.GetConfig("system.adapter.x")
	if obj["type"] != "instance" {
		t.Fatalf("unexpected config %v", obj)
	}
	if missing, err := e.GetConfig("nope"); missing != nil || err != nil {
		t.Fatalf("missing config should be nil, got %v, %v", missing, err)
	}
	keys, _ := e.GetConfigKeys("system.adapter.*")
	if !reflect.DeepEqual(keys, []string{"system.adapter.x", "system.adapter.y"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
	if _, err := e.GetConfigs(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	objs, _ := e.GetConfigs([]string{"enum.rooms", "nope"})
	if len(objs) != 2 || objs[0]["type"] != "enum" || objs[1] != nil {
		t.Fatalf("unexpected configs %v", objs)
	}
	c := newTestConn("c1")
	e.SubscribeConfig(c, "enum.*")
	if err := e.DelConfig("enum.rooms"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := e.DelConfig("enum.rooms"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	got := c.notifications()
	if len(got) != 1 || got[0].Payload != nil {
		t.Fatalf("expected nil delete notification, got %+v", got)
	}
	e.UnsubscribeConfig(c, "enum.*")
}
