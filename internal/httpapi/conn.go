package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/engine"
)

const heartbeatInterval = 30 * time.Second

// streamConn is an engine.Conn backed by one /v1/connect response. Deliver
// queues into a bounded outbox; a full outbox closes the stream.
type streamConn struct {
	id     string
	outbox chan engine.Notification
	done   chan struct{}
	once   sync.Once
	logger pslog.Logger

	mu     sync.Mutex
	reason string
}

func newStreamConn(size int, logger pslog.Logger) *streamConn {
	id := uuid.Must(uuid.NewV7()).String()
	return &streamConn{
		id:     id,
		outbox: make(chan engine.Notification, size),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

func (c *streamConn) ID() string { return c.id }

func (c *streamConn) Deliver(n engine.Notification) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.outbox <- n:
	default:
		c.close("outbox_overflow")
	}
}

func (c *streamConn) close(reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *streamConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Hello is the first line of every event stream.
type Hello struct {
	Connection string `json:"connection"`
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "GET required"}
	}
	logger := requestLogger(r.Context(), h.logger)
	conn := newStreamConn(h.outboxSize, logger)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "server is shutting down"}
	}
	h.conns[conn.id] = conn
	h.mu.Unlock()
	h.engine.Attach(conn)
	defer func() {
		// close before detaching so a racing subscribe call sees done
		conn.close("client_gone")
		h.engine.Detach(conn)
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		conn.logger.Info("httpapi.conn.closed", "reason", conn.closeReason())
	}()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderConnection, conn.id)
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	if err := enc.Encode(Hello{Connection: conn.id}); err != nil {
		return nil
	}
	if err := rc.Flush(); err != nil {
		conn.logger.Warn("httpapi.conn.flush_unsupported", "error", err)
		return nil
	}
	conn.logger.Info("httpapi.conn.opened", "remote_addr", r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-conn.done:
			return nil
		case <-heartbeat.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return nil
			}
		case n := <-conn.outbox:
			if err := enc.Encode(n); err != nil {
				conn.logger.Debug("httpapi.conn.write_failed", "error", err)
				return nil
			}
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
}

func (h *Handler) lookupConn(r *http.Request) (*streamConn, error) {
	id := r.Header.Get(HeaderConnection)
	if id == "" {
		return nil, httpError{Status: http.StatusBadRequest, Code: engine.ErrInvalidArgument.Code, Detail: HeaderConnection + " header required"}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[id]
	if !ok {
		return nil, httpError{Status: http.StatusNotFound, Code: "unknown_connection", Detail: "connection " + id + " is not open"}
	}
	return conn, nil
}
