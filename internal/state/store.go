// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package state persists the durable pieces of the enforcement engine:
// the enforcement phase record, the blacklist snapshot, and anything else
// that must survive a process restart. Writes are atomic (write to a temp
// file, fsync, rename) so a crash never leaves a half-written record.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"grimm.is/warden/internal/errors"
)

// Store provides named, durable JSON documents.
type Store interface {
	// Save atomically replaces the named document.
	Save(name string, v any) error
	// Load decodes the named document into v. Returns a KindNotFound error
	// when the document has never been saved.
	Load(name string, v any) error
	// Delete removes the named document. Deleting a missing document is not
	// an error.
	Delete(name string) error
}

// FileStore is the default Store, one JSON file per document.
type FileStore struct {
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "failed to create state directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Save atomically replaces the named document.
func (s *FileStore) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to marshal state %s", name)
	}

	final := s.path(name)
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to create temp state file for %s", name)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.KindInternal, "failed to write state %s", name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.KindInternal, "failed to sync state %s", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to close state %s", name)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to commit state %s", name)
	}
	return nil
}

// Load decodes the named document into v.
func (s *FileStore) Load(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf(errors.KindNotFound, "state %s has not been persisted", name)
		}
		return errors.Wrapf(err, errors.KindInternal, "failed to read state %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to decode state %s", name)
	}
	return nil
}

// Delete removes the named document.
func (s *FileStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.KindInternal, "failed to delete state %s", name)
	}
	return nil
}
