// Package engine is the in-memory store behind statebus: states, config
// objects, queues, message boxes, logs and sessions, with glob subscriptions,
// a shared TTL sweep and debounced snapshots.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/clock"
	"pkt.systems/statebus/internal/loggingutil"
	"pkt.systems/statebus/internal/persist"
)

const (
	DefaultStateSaveDelay  = 30 * time.Second
	DefaultConfigSaveDelay = 5 * time.Second
	DefaultExpiryInterval  = 5 * time.Second
)

// LocalSubscription selects which changes reach Options.OnChange.
type LocalSubscription struct {
	Kind    Kind
	Pattern string
}

// Options configures an Engine.
type Options struct {
	// DataDir holds the snapshots, blob files and lock file. Empty disables
	// persistence.
	DataDir string
	Logger  pslog.Logger
	Clock   clock.Clock

	StateSaveDelay  time.Duration
	ConfigSaveDelay time.Duration
	ExpiryInterval  time.Duration

	// OnChange receives local notifications on a dedicated goroutine.
	OnChange           func(Notification)
	LocalSubscriptions []LocalSubscription

	Mirror       *persist.Mirror
	WatchDataDir bool
}

// Engine owns every store. All exported methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	logger pslog.Logger
	clock  clock.Clock
	opts   Options

	states        map[string]*State
	objects       map[string]map[string]any
	fifos         map[string][]any
	boxes         map[string][]Message
	logs          map[string][]any
	sessions      map[string]*Session
	nextMessageID int64

	expiry   *expiry
	registry *registry
	local    subscriptionSet
	dispatch *dispatcher
	metrics  *metrics

	stateSnap  *persist.Snapshot
	configSnap *persist.Snapshot
	stateSave  *persist.Debouncer
	configSave *persist.Debouncer
	blobs      *persist.Blobs
	dirLock    *persist.DirLock
	watcher    *persist.Watcher

	saveErrMu sync.Mutex
	saveErrs  map[string]error

	closed bool
}

// New loads the snapshots from DataDir and returns a ready engine. Snapshot
// problems are logged and never fail construction; a data directory that is
// already locked does.
func New(opts Options) (*Engine, error) {
	if opts.StateSaveDelay <= 0 {
		opts.StateSaveDelay = DefaultStateSaveDelay
	}
	if opts.ConfigSaveDelay <= 0 {
		opts.ConfigSaveDelay = DefaultConfigSaveDelay
	}
	if opts.ExpiryInterval <= 0 {
		opts.ExpiryInterval = DefaultExpiryInterval
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "engine")
	e := &Engine{
		logger:   logger,
		clock:    clock.Or(opts.Clock),
		opts:     opts,
		states:   make(map[string]*State),
		objects:  make(map[string]map[string]any),
		fifos:    make(map[string][]any),
		boxes:    make(map[string][]Message),
		logs:     make(map[string][]any),
		sessions: make(map[string]*Session),
		registry: newRegistry(),
		local:    make(subscriptionSet),
		saveErrs: make(map[string]error),
	}
	e.expiry = newExpiry(&e.mu, e.clock, opts.ExpiryInterval, loggingutil.WithSubsystem(opts.Logger, "engine.expiry"))
	e.expiry.register(timerState, expiryPolicy{expire: e.expireStatePolicy, remaining: e.stateRemaining})
	e.expiry.register(timerSession, expiryPolicy{expire: e.expireSession, remaining: e.sessionRemaining})
	for _, sub := range opts.LocalSubscriptions {
		if sub.Kind.Valid() {
			e.local.add(sub.Kind, sub.Pattern)
		}
	}
	if opts.OnChange != nil {
		e.dispatch = newDispatcher(opts.OnChange)
	}
	e.metrics = newMetrics(e)

	if opts.DataDir != "" {
		if err := e.openDataDir(); err != nil {
			if e.dispatch != nil {
				e.dispatch.close()
			}
			return nil, err
		}
	}

	e.mu.Lock()
	e.expireAllLocked(false)
	e.mu.Unlock()
	return e, nil
}

func (e *Engine) openDataDir() error {
	lock, err := persist.LockDir(e.opts.DataDir)
	if err != nil {
		return err
	}
	e.dirLock = lock
	snapLogger := loggingutil.WithSubsystem(e.opts.Logger, "persist")
	snapOpts := []persist.SnapshotOption{persist.WithLogger(snapLogger)}
	if e.opts.Mirror != nil {
		snapOpts = append(snapOpts, persist.WithMirror(e.opts.Mirror))
	}
	e.stateSnap = persist.NewSnapshot(e.opts.DataDir, "states", snapOpts...)
	e.configSnap = persist.NewSnapshot(e.opts.DataDir, "objects", snapOpts...)
	e.blobs = persist.NewBlobs(e.opts.DataDir)

	ctx := context.Background()
	states, _ := persist.Load[*State](ctx, e.stateSnap)
	for id, st := range states {
		if st == nil {
			delete(states, id)
		}
	}
	e.states = states
	e.objects, _ = persist.Load[map[string]any](ctx, e.configSnap)

	e.stateSave = persist.NewDebouncer(e.clock, e.opts.StateSaveDelay, func() {
		e.recordSaveErr(e.stateSnap.Name(), e.saveStates(context.Background()))
	})
	e.configSave = persist.NewDebouncer(e.clock, e.opts.ConfigSaveDelay, func() {
		e.recordSaveErr(e.configSnap.Name(), e.saveConfig(context.Background()))
	})

	if e.opts.WatchDataDir {
		names := []string{e.stateSnap.FileName(), e.configSnap.FileName()}
		watcher, err := persist.Watch(e.opts.DataDir, names, e.snapshotRemoved, e.opts.Logger)
		if err != nil {
			e.logger.Warn("engine.watch.unavailable", "dir", e.opts.DataDir, "error", err)
		} else {
			e.watcher = watcher
		}
	}
	return nil
}

// Close expires every armed state, flushes pending saves synchronously and
// releases the data directory. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.expireAllLocked(true)
	sweepDone := e.expiry.halt()
	e.mu.Unlock()
	if sweepDone != nil {
		<-sweepDone
	}

	var errs []error
	if e.watcher != nil {
		errs = append(errs, e.watcher.Close())
	}
	if e.stateSave != nil && e.stateSave.Close() {
		errs = append(errs, e.saveErr(e.stateSnap.Name()))
	}
	if e.configSave != nil && e.configSave.Close() {
		errs = append(errs, e.saveErr(e.configSnap.Name()))
	}
	if e.dispatch != nil {
		e.dispatch.close()
	}
	if e.dirLock != nil {
		errs = append(errs, e.dirLock.Release())
	}
	e.metrics.unregister(e.logger)
	e.logger.Info("engine.closed")
	return errors.Join(errs...)
}

// Flush writes both snapshots now when a save is pending. It must not be
// called from OnChange or while a Conn.Deliver is running.
func (e *Engine) Flush() error {
	var errs []error
	if e.stateSave != nil && e.stateSave.Flush() {
		errs = append(errs, e.saveErr(e.stateSnap.Name()))
	}
	if e.configSave != nil && e.configSave.Flush() {
		errs = append(errs, e.saveErr(e.configSnap.Name()))
	}
	return errors.Join(errs...)
}

// Attach registers a connection. Subscribing attaches implicitly.
func (e *Engine) Attach(c Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.attach(c)
}

// Detach drops a connection and all of its subscriptions.
func (e *Engine) Detach(c Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry.detach(c.ID()) {
		e.logger.Debug("engine.conn.detached", "conn", c.ID())
	}
}

// SubscribeLocal adds a pattern to the engine's own subscription list.
func (e *Engine) SubscribeLocal(kind Kind, glob string) error {
	if !kind.Valid() {
		return invalidArgument("unknown kind %q", kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local.add(kind, glob)
	return nil
}

// UnsubscribeLocal removes a pattern from the engine's own subscription list.
func (e *Engine) UnsubscribeLocal(kind Kind, glob string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local.remove(kind, glob)
}

func (e *Engine) subscribe(c Conn, kind Kind, glob string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry.subscribe(c, kind, glob) {
		e.logger.Debug("engine.subscribe", "conn", c.ID(), "kind", string(kind), "pattern", glob)
	}
}

func (e *Engine) unsubscribe(c Conn, kind Kind, glob string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.unsubscribe(c, kind, glob)
}

// publishAllLocked fans a change out to every connection and, once, to the
// local listener.
func (e *Engine) publishAllLocked(kind Kind, id string, payload any) {
	delivered := e.registry.publishAll(kind, id, payload)
	e.metrics.recordPublish(kind, delivered)
	if e.dispatch == nil {
		return
	}
	if sub := e.local.match(kind, id); sub != nil {
		e.dispatch.enqueue(Notification{Kind: kind, Pattern: sub.pattern, ID: id, Payload: cloneValue(payload)})
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}
