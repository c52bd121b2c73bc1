package persist

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// LockFileName is the advisory lock file kept in the data directory.
const LockFileName = "statebus.lock"

// ErrLocked reports that another process (or another engine in this process)
// already owns the data directory.
var ErrLocked = errors.New("persist: data directory is locked")

// DirLock holds the exclusive lock on a data directory.
type DirLock struct {
	path string
	file *os.File
	once sync.Once
}

// LockDir creates dir when needed and takes an exclusive, non-blocking lock
// on its lock file.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(pidString()), 0)
	return &DirLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the lock. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = errors.Join(unlockFile(l.file), l.file.Close())
	})
	return err
}
