// Package httpapi exposes the engine over HTTP: JSON calls under
// /v1/call/{op} and a newline-delimited JSON event stream on /v1/connect.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/engine"
	"pkt.systems/statebus/internal/loggingutil"
)

const (
	// HeaderConnection names the stream that owns subscriptions made by a
	// call.
	HeaderConnection = "X-Statebus-Connection"
	// HeaderRequestID carries the per-request correlation id.
	HeaderRequestID = "X-Request-Id"

	defaultOutboxSize   = 1024
	defaultMaxBodyBytes = 64 << 20
)

// Config configures a Handler.
type Config struct {
	Engine *engine.Engine
	Logger pslog.Logger
	// Auth enables HTTP Basic authentication against Users.
	Auth       bool
	Users      map[string]string
	OutboxSize int
	// MaxBodyBytes bounds the argument array of a call.
	MaxBodyBytes   int64
	TracingEnabled bool
}

// Handler serves the statebus HTTP surface.
type Handler struct {
	engine         *engine.Engine
	logger         pslog.Logger
	tracer         trace.Tracer
	auth           bool
	users          map[string]string
	outboxSize     int
	maxBodyBytes   int64
	tracingEnabled bool
	ops            map[string]opFunc

	mu      sync.Mutex
	conns   map[string]*streamConn
	closing bool
}

// New builds a Handler around cfg.Engine.
func New(cfg Config) *Handler {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	users := make(map[string]string, len(cfg.Users))
	for user, pass := range cfg.Users {
		users[user] = pass
	}
	h := &Handler{
		engine:         cfg.Engine,
		logger:         loggingutil.WithSubsystem(cfg.Logger, "httpapi"),
		tracer:         otel.Tracer("pkt.systems/statebus/httpapi"),
		auth:           cfg.Auth,
		users:          users,
		outboxSize:     cfg.OutboxSize,
		maxBodyBytes:   cfg.MaxBodyBytes,
		tracingEnabled: cfg.TracingEnabled,
		conns:          make(map[string]*streamConn),
	}
	h.ops = h.operations()
	return h
}

// Register wires the routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/call/", h.wrap("call", h.handleCall))
	mux.Handle("/v1/connect", h.wrap("connect", h.handleConnect))
	mux.Handle("/v1/stats", h.wrap("stats", h.handleStats))
	mux.Handle("/", http.HandlerFunc(handleRoot))
}

// Close ends every open event stream. Streams opened afterwards are refused.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closing = true
	conns := make([]*streamConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close("shutdown")
	}
}

// Connections returns the number of open event streams.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type loggerKey struct{}

func requestLogger(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(pslog.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "statebus.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := requestID(r)
		ctx, span := h.tracer.Start(r.Context(), spanName, trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		span.SetAttributes(
			attribute.String("statebus.operation", operation),
			attribute.String("statebus.request_id", reqID),
		)
		logger := h.logger.With("req_id", reqID, "method", r.Method, "path", r.URL.Path)
		ctx = context.WithValue(ctx, loggerKey{}, logger)
		r = r.WithContext(ctx)
		w.Header().Set(HeaderRequestID, reqID)

		if err := h.authenticate(r); err != nil {
			span.SetStatus(codes.Error, "unauthorized")
			h.handleError(ctx, w, err)
			return
		}
		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

// maxRequestIDLength bounds client supplied request ids.
const maxRequestIDLength = 128

// requestID reuses a printable client supplied X-Request-Id and mints an xid
// otherwise.
func requestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if id == "" || len(id) > maxRequestIDLength {
		return xid.New().String()
	}
	for _, c := range id {
		if c < 0x20 || c > 0x7e {
			return xid.New().String()
		}
	}
	return id
}

func (h *Handler) authenticate(r *http.Request) error {
	if !h.auth {
		return nil
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "credentials required"}
	}
	want, known := h.users[user]
	if !known || subtle.ConstantTimeCompare([]byte(pass), []byte(want)) != 1 {
		return httpError{Status: http.StatusUnauthorized, Code: "unauthorized", Detail: "invalid credentials"}
	}
	return nil
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
	_, _ = w.Write([]byte("Not Implemented"))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "GET required"}
	}
	stats := h.engine.Stats()
	h.writeJSON(w, http.StatusOK, stats)
	return nil
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func convertEngineError(err error) httpError {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var failure engine.Failure
	if errors.As(err, &failure) {
		status := http.StatusInternalServerError
		switch failure.Code {
		case engine.ErrInvalidArgument.Code:
			status = http.StatusBadRequest
		case engine.ErrNotFound.Code:
			status = http.StatusNotFound
		case engine.ErrUnavailable.Code:
			status = http.StatusServiceUnavailable
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal", Detail: err.Error()}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	httpErr := convertEngineError(err)
	logger := requestLogger(ctx, h.logger)
	if httpErr.Status >= http.StatusInternalServerError {
		logger.Error("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	} else {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	if httpErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="statebus"`)
	}
	h.writeJSON(w, httpErr.Status, ErrorResponse{Error: httpErr.Code, Detail: httpErr.Detail})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func trimOp(path string) string {
	return strings.Trim(strings.TrimPrefix(path, "/v1/call/"), "/")
}
