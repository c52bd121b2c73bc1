package engine

import (
	"pkt.systems/statebus/internal/persist"
)

const filesPrefix = "files."

// FileEvent is the objects notification payload of a blob write.
type FileEvent struct {
	ID   string `json:"id"`
	File string `json:"file"`
	Size int    `json:"size"`
}

func (e *Engine) blobStore() (*persist.Blobs, error) {
	if e.blobs == nil {
		return nil, Failure{Code: ErrUnavailable.Code, Detail: "files need a data directory"}
	}
	return e.blobs, nil
}

// WriteFile stores data as the file name attached to id and notifies config
// subscribers of "files.<id>.<name>".
func (e *Engine) WriteFile(id, name string, data []byte) error {
	blobs, err := e.blobStore()
	if err != nil {
		return err
	}
	if err := blobs.Write(id, name, data); err != nil {
		return blobFailure(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishAllLocked(KindObjects, filesPrefix+id+"."+name, FileEvent{ID: id, File: name, Size: len(data)})
	e.metrics.recordWrite("write_file")
	return nil
}

// ReadFile returns the file name attached to id.
func (e *Engine) ReadFile(id, name string) ([]byte, error) {
	blobs, err := e.blobStore()
	if err != nil {
		return nil, err
	}
	data, err := blobs.Read(id, name)
	return data, blobFailure(err)
}

// UnlinkFile deletes the file name attached to id.
func (e *Engine) UnlinkFile(id, name string) error {
	blobs, err := e.blobStore()
	if err != nil {
		return err
	}
	if err := blobs.Unlink(id, name); err != nil {
		return blobFailure(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishAllLocked(KindObjects, filesPrefix+id+"."+name, nil)
	e.metrics.recordWrite("unlink_file")
	return nil
}

// ReadDir lists the directory name attached to id.
func (e *Engine) ReadDir(id, name string) ([]persist.BlobEntry, error) {
	blobs, err := e.blobStore()
	if err != nil {
		return nil, err
	}
	entries, err := blobs.ReadDir(id, name)
	return entries, blobFailure(err)
}
