// Package state persists the small JSON blobs that must survive a
// restart. The only blob today is the set of camera names ever seen,
// kept so the UI can still label recordings from retired cameras.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is the persisted service state.
type Snapshot struct {
	Cameras []string `json:"cameras"`
}

// ErrNotFound is returned by Load when no snapshot was ever saved.
var ErrNotFound = errors.New("no saved state")

// Store loads and saves the state snapshot.
type Store interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
}

// FileStore keeps the snapshot as a JSON file, written via a
// temp-then-rename so a crash mid-save never truncates good state.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &snap, nil
}

func (s *FileStore) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
