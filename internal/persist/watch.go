package persist

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/loggingutil"
)

// Watcher observes the data directory and reports snapshot files that were
// removed or renamed away by someone else.
type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    pslog.Logger
	names     map[string]struct{}
	onRemoved func(name string)
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

// Watch starts watching dir. onRemoved receives the base name of a watched
// file after it disappears; it runs on the watcher goroutine.
func Watch(dir string, names []string, onRemoved func(name string), logger pslog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("persist: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("persist: watch %q: %w", dir, err)
	}
	w := &Watcher{
		watcher:   watcher,
		logger:    loggingutil.WithSubsystem(logger, "persist.watch"),
		names:     make(map[string]struct{}, len(names)),
		onRemoved: onRemoved,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, name := range names {
		w.names[name] = struct{}{}
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			if _, watched := w.names[name]; !watched {
				continue
			}
			w.logger.Warn("persist.watch.snapshot_removed", "file", ev.Name, "op", ev.Op.String())
			if w.onRemoved != nil {
				w.onRemoved(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("persist.watch.error", "error", err)
		}
	}
}
