package statebus

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"
	"pkt.systems/statebus/internal/loggingutil"
	"pkt.systems/statebus/internal/persist"
)

// SnapshotNames lists the snapshot documents kept in the data directory.
var SnapshotNames = []string{"states", "objects"}

// RestoreResult reports one restored snapshot.
type RestoreResult struct {
	Name  string
	Path  string
	Bytes int
}

// RestoreFromMirror replaces the local snapshots in dataDir with the copies in
// the mirror bucket. The data dir lock is held for the duration, so a running
// server makes the restore fail with persist.ErrLocked.
func RestoreFromMirror(ctx context.Context, dataDir, mirrorURL string, logger pslog.Logger) ([]RestoreResult, error) {
	logger = loggingutil.WithSubsystem(logger, "server.restore")
	if dataDir == "" || dataDir == "-" {
		return nil, fmt.Errorf("restore: data dir required")
	}
	mirror, err := openMirror(mirrorURL)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	lock, err := persist.LockDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	defer lock.Release()

	results := make([]RestoreResult, 0, len(SnapshotNames))
	for _, name := range SnapshotNames {
		snap := persist.NewSnapshot(dataDir, name, persist.WithLogger(logger))
		n, err := mirror.Restore(ctx, snap)
		if err != nil {
			return results, fmt.Errorf("restore %s: %w", name, err)
		}
		logger.Info("restore.snapshot", "name", name, "path", snap.Path(), "size", humanize.Bytes(uint64(n)))
		results = append(results, RestoreResult{Name: name, Path: snap.Path(), Bytes: n})
	}
	return results, nil
}
