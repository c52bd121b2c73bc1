// Package persist keeps the durable stores on disk: whole-file JSON snapshots
// with a one-generation backup, the debouncer that coalesces saves, the data
// directory lock and watcher, blob files and the optional S3 mirror.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/loggingutil"
)

// BackupSuffix is appended to a snapshot path to name its backup.
const BackupSuffix = ".bak"

// ErrCorrupt marks a snapshot file that exists but does not parse.
var ErrCorrupt = errors.New("persist: snapshot corrupt")

// Source identifies where Load found its data.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
	SourceEmpty   Source = "empty"
)

// LoadResult describes the outcome of Load. Err carries every failure met on
// the way, even when a later candidate succeeded.
type LoadResult struct {
	Source Source
	Err    error
}

// Snapshot is one whole-file JSON document, e.g. states.json.
type Snapshot struct {
	name    string
	path    string
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *metrics
	mirror  *Mirror

	saveMu sync.Mutex
}

// SnapshotOption customises a Snapshot.
type SnapshotOption func(*Snapshot)

// WithLogger sets the logger used for load and save diagnostics.
func WithLogger(logger pslog.Logger) SnapshotOption {
	return func(s *Snapshot) {
		s.logger = logger
	}
}

// WithMirror uploads every successful save to m.
func WithMirror(m *Mirror) SnapshotOption {
	return func(s *Snapshot) {
		s.mirror = m
	}
}

// NewSnapshot returns the snapshot <dir>/<name>.json.
func NewSnapshot(dir, name string, opts ...SnapshotOption) *Snapshot {
	s := &Snapshot{
		name:   name,
		path:   filepath.Join(dir, name+".json"),
		tracer: otel.Tracer("pkt.systems/statebus/persist"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = loggingutil.WithSubsystem(s.logger, "persist.snapshot").With("store", name)
	s.metrics = newMetrics(s.logger)
	return s
}

// Name returns the store name.
func (s *Snapshot) Name() string { return s.name }

// Path returns the primary file path.
func (s *Snapshot) Path() string { return s.path }

// FileName returns the base name of the primary file.
func (s *Snapshot) FileName() string { return filepath.Base(s.path) }

// Load reads the snapshot into a fresh map. The primary file is tried first,
// then the backup; when both are absent or unreadable the result is an empty
// map. Load never fails: problems are logged and reported in LoadResult.
func Load[T any](ctx context.Context, s *Snapshot) (map[string]T, LoadResult) {
	_, span := s.tracer.Start(ctx, "statebus.persist.load", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("statebus.persist.store", s.name))

	var errs []error
	candidates := []struct {
		path   string
		source Source
	}{
		{s.path, SourcePrimary},
		{s.path + BackupSuffix, SourceBackup},
	}
	for _, candidate := range candidates {
		doc, found, err := readDocument[T](candidate.path)
		if err != nil {
			s.logger.Error("persist.snapshot.load_failed", "path", candidate.path, "error", err)
			errs = append(errs, err)
			continue
		}
		if !found {
			continue
		}
		result := LoadResult{Source: candidate.source, Err: errors.Join(errs...)}
		s.metrics.recordLoad(ctx, s.name, candidate.source)
		span.SetAttributes(attribute.String("statebus.persist.source", string(candidate.source)))
		s.logger.Info("persist.snapshot.loaded", "path", candidate.path, "source", candidate.source, "records", len(doc))
		return doc, result
	}
	result := LoadResult{Source: SourceEmpty, Err: errors.Join(errs...)}
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "snapshot_unreadable")
	}
	s.metrics.recordLoad(ctx, s.name, SourceEmpty)
	span.SetAttributes(attribute.String("statebus.persist.source", string(SourceEmpty)))
	return make(map[string]T), result
}

func readDocument[T any](path string) (map[string]T, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist: read %s: %w", path, err)
	}
	doc := make(map[string]T)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if doc == nil {
		doc = make(map[string]T)
	}
	return doc, true, nil
}

// Save copies the current primary to the backup and then replaces the primary
// with payload. Saves of one snapshot never overlap.
func (s *Snapshot) Save(ctx context.Context, payload []byte) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "statebus.persist.save", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("statebus.persist.store", s.name),
		attribute.Int("statebus.persist.bytes", len(payload)),
	)

	begin := time.Now()
	err := rotateBackup(s.path)
	if err == nil {
		err = writeFileAtomic(s.path, payload)
	}
	s.metrics.recordSave(ctx, s.name, len(payload), time.Since(begin), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save_failed")
		s.logger.Error("persist.snapshot.save_failed", "path", s.path, "error", err)
		return fmt.Errorf("persist: save %s: %w", s.name, err)
	}
	span.SetStatus(codes.Ok, "")
	s.logger.Debug("persist.snapshot.saved",
		"path", s.path,
		"size", humanize.Bytes(uint64(len(payload))),
		"elapsed_ms", time.Since(begin).Milliseconds(),
	)

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, s.FileName(), payload); err != nil {
			s.metrics.recordMirror(ctx, s.name, err)
			s.logger.Warn("persist.mirror.upload_failed", "object", s.mirror.ObjectKey(s.FileName()), "error", err)
		} else {
			s.metrics.recordMirror(ctx, s.name, nil)
		}
	}
	return nil
}

// decodeDocument checks that data holds a snapshot document.
func decodeDocument(data []byte) (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return doc, nil
}
