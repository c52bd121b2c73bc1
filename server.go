package statebus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/clock"
	"pkt.systems/statebus/internal/engine"
	"pkt.systems/statebus/internal/httpapi"
	"pkt.systems/statebus/internal/loggingutil"
	"pkt.systems/statebus/internal/persist"
)

// Server wraps the HTTP listener, the store engine and telemetry.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	engine       *engine.Engine
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetry
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock, mostly for tests that drive TTLs and
// save debouncing by hand.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer validates cfg, loads the snapshots and prepares the HTTP server.
// Example:
//
//	srv, err := statebus.NewServer(statebus.Config{DataDir: "/var/lib/statebus"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	lifecycle := loggingutil.WithSubsystem(logger, "server.lifecycle")

	var tlsConfig *tls.Config
	if cfg.Secure {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}

	var mirror *persist.Mirror
	if cfg.MirrorURL != "" {
		mirror, err = openMirror(cfg.MirrorURL)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
	}

	eng, err := engine.New(engine.Options{
		DataDir:            cfg.persistent(),
		Logger:             logger,
		Clock:              o.Clock,
		StateSaveDelay:     cfg.StateSaveDelay,
		ConfigSaveDelay:    cfg.ConfigSaveDelay,
		ExpiryInterval:     cfg.ExpiryInterval,
		OnChange:           cfg.OnChange,
		LocalSubscriptions: cfg.LocalSubscriptions,
		Mirror:             mirror,
		WatchDataDir:       cfg.WatchDataDir,
	})
	if err != nil {
		closeTelemetry()
		return nil, err
	}

	handler := httpapi.New(httpapi.Config{
		Engine:         eng,
		Logger:         logger,
		Auth:           cfg.Auth,
		Users:          cfg.AuthUsers,
		OutboxSize:     cfg.OutboxSize,
		MaxBodyBytes:   cfg.MaxCallBytes,
		TracingEnabled: tel != nil && tel.tracing,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	if err := http2.ConfigureServer(httpSrv, &http2.Server{
		MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams),
	}); err != nil {
		_ = eng.Close()
		closeTelemetry()
		return nil, fmt.Errorf("http2: configure server: %w", err)
	}

	lifecycle.Info("server.configured",
		"data_dir", cfg.DataDir,
		"secure", cfg.Secure,
		"auth", cfg.Auth,
		"mirror", cfg.MirrorURL != "",
		"state_save_delay", cfg.StateSaveDelay,
		"config_save_delay", cfg.ConfigSaveDelay,
	)
	return &Server{
		cfg:       cfg,
		logger:    lifecycle,
		engine:    eng,
		handler:   handler,
		httpSrv:   httpSrv,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

func openMirror(raw string) (*persist.Mirror, error) {
	mcfg, err := persist.ParseMirrorURL(raw)
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}
	return persist.NewMirror(mcfg)
}

// Engine exposes the store engine for in-process callers.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Handler returns the HTTP handler so statebus can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "secure", s.cfg.Secure)
	var serveErr error
	if s.httpSrv.TLSConfig != nil && s.cfg.Secure {
		serveErr = s.httpSrv.ServeTLS(ln, "", "")
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown ends every event stream, stops HTTP, closes the engine (expiring
// TTLs and flushing pending saves) and stops telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	s.handler.Close()
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Error("server.engine.close_failed", "error", err)
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	socket := s.socketPath
	s.mu.Unlock()
	if socket != "" {
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		s.logger.Info("server.shutdown.complete")
	}
	return errors.Join(errs...)
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. The returned stop function shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	go func() {
		// a listen failure never signals ready
		select {
		case err := <-errCh:
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		select {
		case startErr := <-errCh:
			if startErr != nil {
				return nil, nil, startErr
			}
		default:
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
