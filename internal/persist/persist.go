// Package persist stores the governor's durable usage counters. The
// counters survive process restarts so the daily cap and quota tracking
// pick up where the previous process left off.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Counters is the durable subset of governor state, one record per
// governed upstream.
type Counters struct {
	Date              string    `json:"date"`
	DailyRequestCount int       `json:"dailyRequestCount"`
	QuotaUsed         int       `json:"quotaUsed"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Store loads and saves counters. Implementations must make Save atomic:
// a crash mid-write may lose the latest record but never corrupt it.
type Store interface {
	Load() (Counters, error)
	Save(Counters) error
}

// FileStore persists counters as a single JSON document, written with a
// temp-file-then-rename so readers never observe a partial write.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path. The parent
// directory is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored counters. A missing file is not an error: it
// returns zero counters, as before the first save.
func (s *FileStore) Load() (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Counters{}, nil
		}
		return Counters{}, fmt.Errorf("reading state file: %w", err)
	}

	var c Counters
	if err := json.Unmarshal(data, &c); err != nil {
		return Counters{}, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	return c, nil
}

// Save atomically replaces the stored counters.
func (s *FileStore) Save(c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding counters: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// MemStore is an in-memory Store for tests. Error fields, when set, are
// returned by the corresponding operation.
type MemStore struct {
	mu      sync.Mutex
	c       Counters
	saves   int
	LoadErr error
	SaveErr error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Seed replaces the stored counters directly.
func (s *MemStore) Seed(c Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
}

func (s *MemStore) Load() (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return Counters{}, s.LoadErr
	}
	return s.c, nil
}

func (s *MemStore) Save(c Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.c = c
	s.saves++
	return nil
}

// Saves reports how many successful saves have happened.
func (s *MemStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
