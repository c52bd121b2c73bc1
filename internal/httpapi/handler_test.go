package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/engine"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *Handler) {
	t.Helper()
	if cfg.Engine == nil {
		eng, err := engine.New(engine.Options{Logger: pslog.NoopLogger()})
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		t.Cleanup(func() { _ = eng.Close() })
		cfg.Engine = eng
	}
	cfg.Logger = pslog.NoopLogger()
	h := New(cfg)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, h
}

type callResult struct {
	status int
	result json.RawMessage
	errRes ErrorResponse
}

func call(t *testing.T, srv *httptest.Server, conn, op string, args ...any) callResult {
	t.Helper()
	body, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/call/"+op, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if conn != "" {
		req.Header.Set(HeaderConnection, conn)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	defer resp.Body.Close()
	out := callResult{status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var cr struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			t.Fatalf("%s: decode: %v", op, err)
		}
		out.result = cr.Result
		return out
	}
	if err := json.NewDecoder(resp.Body).Decode(&out.errRes); err != nil {
		t.Fatalf("%s: decode error body: %v", op, err)
	}
	return out
}

func TestCallStateRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	res := call(t, srv, "", "setState", "dev.0.temp", map[string]any{"val": 21.5, "ack": true, "ts": 100})
	if res.status != http.StatusOK {
		t.Fatalf("setState status %d: %+v", res.status, res.errRes)
	}
	var written engine.State
	if err := json.Unmarshal(res.result, &written); err != nil {
		t.Fatalf("decode setState: %v", err)
	}
	if written.Val != 21.5 || !written.Ack || written.TS != 100 || written.LC != 100 {
		t.Fatalf("unexpected written state %+v", written)
	}

	res = call(t, srv, "", "getStates", []string{"dev.0.temp", "missing"})
	var states []*engine.State
	if err := json.Unmarshal(res.result, &states); err != nil {
		t.Fatalf("decode getStates: %v", err)
	}
	if len(states) != 2 || states[0] == nil || states[1] != nil {
		t.Fatalf("unexpected getStates result %s", res.result)
	}

	res = call(t, srv, "", "getKeys", "dev.*")
	if string(res.result) != `["dev.0.temp"]` {
		t.Fatalf("getKeys = %s", res.result)
	}
}

func TestCallErrors(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	cases := []struct {
		name   string
		op     string
		args   []any
		status int
		code   string
	}{
		{"unknown op", "nope", nil, http.StatusNotFound, "unknown_operation"},
		{"nil ids", "getStates", []any{nil}, http.StatusBadRequest, "invalid_argument"},
		{"missing fifo", "lenFifo", []any{"q"}, http.StatusNotFound, "not_found"},
		{"trim without bounds", "trimFifo", []any{"q"}, http.StatusBadRequest, "invalid_argument"},
		{"files without data dir", "readDir", []any{"adapter", ""}, http.StatusServiceUnavailable, "unavailable"},
		{"subscribe without connection", "subscribe", []any{"*"}, http.StatusBadRequest, "invalid_argument"},
		{"subscribe unknown connection", "subscribe", []any{"*"}, http.StatusNotFound, "unknown_connection"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := ""
			if tc.code == "unknown_connection" {
				conn = "gone"
			}
			res := call(t, srv, conn, tc.op, tc.args...)
			if res.status != tc.status || res.errRes.Error != tc.code {
				t.Fatalf("got %d %+v, want %d %s", res.status, res.errRes, tc.status, tc.code)
			}
		})
	}
}

func TestCallRejectsNonArrayBody(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	resp, err := srv.Client().Post(srv.URL+"/v1/call/getState", "application/json", strings.NewReader(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestQueuesOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	if res := call(t, srv, "", "pushFifoExists", "q", 1); res.status != http.StatusNotFound {
		t.Fatalf("pushFifoExists on missing fifo: %d", res.status)
	}
	for i := 1; i <= 6; i++ {
		call(t, srv, "", "pushFifo", "q", i)
	}
	res := call(t, srv, "", "trimFifo", "q", 2, 4)
	if string(res.result) != `[1,2,3,4]` {
		t.Fatalf("trimFifo = %s", res.result)
	}
	res = call(t, srv, "", "getFifo", "q")
	if string(res.result) != `[5,6]` {
		t.Fatalf("getFifo after trim = %s", res.result)
	}

	res = call(t, srv, "", "pushMessage", "inbox", map[string]any{"text": "hi"})
	var msg engine.Message
	if err := json.Unmarshal(res.result, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	res = call(t, srv, "", "getMessage", "inbox")
	if !strings.Contains(string(res.result), `"text":"hi"`) {
		t.Fatalf("getMessage = %s", res.result)
	}
	if res := call(t, srv, "", "delMessage", "inbox", msg.ID); res.status != http.StatusOK {
		t.Fatalf("delMessage status %d", res.status)
	}

	call(t, srv, "", "setSession", "s1", 60, map[string]any{"user": "admin"})
	res = call(t, srv, "", "getSession", "s1")
	if !strings.Contains(string(res.result), `"user":"admin"`) || !strings.Contains(string(res.result), `"expire":60000`) {
		t.Fatalf("getSession = %s", res.result)
	}
}

func TestBinaryStateIsBase64(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	payload := []byte{0, 1, 2, 0xff}
	if res := call(t, srv, "", "setBinaryState", "blob", payload); res.status != http.StatusOK {
		t.Fatalf("setBinaryState: %d %+v", res.status, res.errRes)
	}
	res := call(t, srv, "", "getBinaryState", "blob")
	var got []byte
	if err := json.Unmarshal(res.result, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestRootNotImplemented(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status %d, want 501", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	call(t, srv, "", "setState", "a", 1)
	resp, err := srv.Client().Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var stats engine.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.States != 1 {
		t.Fatalf("states = %d", stats.States)
	}
}

func TestBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t, Config{Auth: true, Users: map[string]string{"admin": "secret"}})

	if res := call(t, srv, "", "getKeys", "*"); res.status != http.StatusUnauthorized {
		t.Fatalf("anonymous call status %d", res.status)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/call/getKeys", strings.NewReader(`["*"]`))
	req.SetBasicAuth("admin", "wrong")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("bad password: status %d", resp.StatusCode)
	}
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v1/call/getKeys", strings.NewReader(`["*"]`))
	req.SetBasicAuth("admin", "secret")
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status %d", resp.StatusCode)
	}
}

type stream struct {
	id   string
	dec  *json.Decoder
	stop func()
}

func openStream(t *testing.T, srv *httptest.Server) *stream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/connect", nil)
	if err != nil {
		cancel()
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	dec := json.NewDecoder(resp.Body)
	var hello Hello
	if err := dec.Decode(&hello); err != nil {
		cancel()
		t.Fatalf("hello: %v", err)
	}
	if hello.Connection == "" || resp.Header.Get(HeaderConnection) != hello.Connection {
		cancel()
		t.Fatalf("unexpected hello %+v", hello)
	}
	s := &stream{id: hello.Connection, dec: dec, stop: func() {
		cancel()
		resp.Body.Close()
	}}
	t.Cleanup(s.stop)
	return s
}

func (s *stream) next(t *testing.T) engine.Notification {
	t.Helper()
	type decoded struct {
		n   engine.Notification
		err error
	}
	ch := make(chan decoded, 1)
	go func() {
		var n engine.Notification
		err := s.dec.Decode(&n)
		ch <- decoded{n, err}
	}()
	select {
	case d := <-ch:
		if d.err != nil {
			t.Fatalf("decode notification: %v", d.err)
		}
		return d.n
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification")
		return engine.Notification{}
	}
}

func TestStreamDeliversSubscribedChanges(t *testing.T) {
	srv, h := newTestServer(t, Config{})
	s := openStream(t, srv)
	if h.Connections() != 1 {
		t.Fatalf("connections = %d", h.Connections())
	}

	if res := call(t, srv, s.id, "subscribe", "room.*"); res.status != http.StatusOK {
		t.Fatalf("subscribe: %d %+v", res.status, res.errRes)
	}
	call(t, srv, "", "setState", "hall.light", true)
	call(t, srv, "", "setState", "room.light", true)

	n := s.next(t)
	if n.Kind != engine.KindState || n.ID != "room.light" || n.Pattern != "room.*" {
		t.Fatalf("unexpected notification %+v", n)
	}

	call(t, srv, s.id, "subscribeMessage", "inbox")
	call(t, srv, "", "pushMessage", "inbox", "ping")
	n = s.next(t)
	if n.Kind != engine.KindMessageBox || n.ID != "messagebox.inbox" {
		t.Fatalf("unexpected message notification %+v", n)
	}
}

func TestStreamCloseDetaches(t *testing.T) {
	srv, h := newTestServer(t, Config{})
	s := openStream(t, srv)
	call(t, srv, s.id, "subscribe", "*")
	s.stop()

	deadline := time.Now().Add(2 * time.Second)
	for h.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.engine.Stats().Subscriptions; got != 0 {
		t.Fatalf("subscriptions left after detach: %d", got)
	}
}

func TestCloseRefusesNewStreams(t *testing.T) {
	srv, h := newTestServer(t, Config{})
	h.Close()
	resp, err := srv.Client().Get(srv.URL + "/v1/connect")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
}

func TestDeliverOverflowClosesConn(t *testing.T) {
	c := newStreamConn(1, pslog.NoopLogger())
	c.Deliver(engine.Notification{ID: "a"})
	c.Deliver(engine.Notification{ID: "b"})
	select {
	case <-c.done:
	default:
		t.Fatalf("overflow did not close connection")
	}
	if c.closeReason() != "outbox_overflow" {
		t.Fatalf("reason = %q", c.closeReason())
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/call/getKeys", strings.NewReader(`["*"]`))
	req.Header.Set(HeaderRequestID, "trace-1234")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(HeaderRequestID); got != "trace-1234" {
		t.Fatalf("request id = %q", got)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v1/call/getKeys", strings.NewReader(`["*"]`))
	req.Header.Set(HeaderRequestID, strings.Repeat("x", maxRequestIDLength+1))
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(HeaderRequestID); len(got) != 20 {
		t.Fatalf("expected a minted xid, got %q", got)
	}
}
