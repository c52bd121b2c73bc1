package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BlobDirName is the data directory subfolder that holds blob files.
const BlobDirName = "files"

var (
	// ErrBlobNotFound reports a missing blob file or directory.
	ErrBlobNotFound = errors.New("persist: blob not found")
	// ErrBlobPath reports an id or name that would escape the blob area.
	ErrBlobPath = errors.New("persist: invalid blob path")
)

// BlobEntry describes one ReadDir result.
type BlobEntry struct {
	Name     string    `json:"file"`
	IsDir    bool      `json:"isDir"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modifiedAt"`
}

// Blobs stores opaque files under <root>/<id>/<name>.
type Blobs struct {
	root string
}

// NewBlobs returns the blob area of dataDir.
func NewBlobs(dataDir string) *Blobs {
	return &Blobs{root: filepath.Join(dataDir, BlobDirName)}
}

// Root returns the blob directory.
func (b *Blobs) Root() string { return b.root }

func (b *Blobs) resolve(id, name string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: id %q", ErrBlobPath, id)
	}
	base := filepath.Join(b.root, id)
	target := filepath.Join(base, filepath.FromSlash(name))
	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: name %q", ErrBlobPath, name)
	}
	return target, nil
}

// Write replaces the file name of id with data.
func (b *Blobs) Write(id, name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBlobPath)
	}
	target, err := b.resolve(id, name)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(target, data); err != nil {
		return fmt.Errorf("persist: write blob %s/%s: %w", id, name, err)
	}
	return nil
}

// Read returns the content of the file name of id.
func (b *Blobs) Read(id, name string) ([]byte, error) {
	target, err := b.resolve(id, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, blobError("read", id, name, err)
	}
	return data, nil
}

// Unlink removes the file name of id.
func (b *Blobs) Unlink(id, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBlobPath)
	}
	target, err := b.resolve(id, name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		return blobError("unlink", id, name, err)
	}
	return nil
}

// ReadDir lists the directory name of id, sorted by name. An empty name lists
// the top level of id.
func (b *Blobs) ReadDir(id, name string) ([]BlobEntry, error) {
	target, err := b.resolve(id, name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, blobError("list", id, name, err)
	}
	out := make([]BlobEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, BlobEntry{
			Name:     entry.Name(),
			IsDir:    entry.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func blobError(op, id, name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", ErrBlobNotFound, id, name)
	}
	return fmt.Errorf("persist: %s blob %s/%s: %w", op, id, name, err)
}
