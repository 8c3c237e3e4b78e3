// Package state persists the last observed value in a single text file.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// PersistenceError describes a failure to read or write the state file.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s state file %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// FileStore keeps the last notified value in a plain text file. The file holds
// exactly the value with no trailing newline; an empty or missing file means
// no value has been observed yet.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path. The file does not
// need to exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the state file.
func (fs *FileStore) Path() string {
	return fs.path
}

// Load reads the stored value. ok is false when no value is stored. A missing
// file is not an error; any other read failure is returned as a
// *PersistenceError alongside ok=false so callers can log it and carry on.
func (fs *FileStore) Load() (value string, ok bool, err error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, &PersistenceError{Op: "load", Path: fs.path, Err: err}
	}

	if len(data) == 0 {
		return "", false, nil
	}

	return string(data), true, nil
}

// Save replaces the stored value. The value is written to a temporary file in
// the same directory and renamed over the old one, so a crash mid-write leaves
// either the old or the new value.
func (fs *FileStore) Save(value string) error {
	if err := fs.atomicWrite([]byte(value)); err != nil {
		return &PersistenceError{Op: "save", Path: fs.path, Err: err}
	}
	return nil
}

func (fs *FileStore) atomicWrite(data []byte) error {
	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".last-value-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil

	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
