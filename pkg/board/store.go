package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store persists the board as a single JSON file with write-temp + rename
// under an advisory directory lock. Readers tolerate a missing file.
type Store struct {
	path    string
	lockTTL time.Duration
}

// NewStore creates a store for the board file at path.
func NewStore(path string, lockTTL time.Duration) *Store {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Store{path: path, lockTTL: lockTTL}
}

// Load reads the board. A missing file is an empty board, not an error.
func (s *Store) Load() (*Board, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Board{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read board: %w", err)
	}
	b := &Board{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse board: %w", err)
	}
	return b, nil
}

// Save writes the board atomically under the lock.
func (s *Store) Save(b *Board) error {
	lock, err := acquireLock(s.lockPath(), s.lockTTL)
	if err != nil {
		return err
	}
	defer lock.release()
	return s.writeLocked(b)
}

// Update runs fn on the freshly-loaded board and saves the result, all
// under one lock acquisition. fn returning an error aborts the write.
func (s *Store) Update(fn func(*Board) error) error {
	lock, err := acquireLock(s.lockPath(), s.lockTTL)
	if err != nil {
		return err
	}
	defer lock.release()

	b, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	return s.writeLocked(b)
}

func (s *Store) writeLocked(b *Board) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode board: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace board: %w", err)
	}
	return nil
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

// dirLock is an advisory lock held as a directory next to the board file.
// A lock older than its TTL is presumed abandoned and stolen.
type dirLock struct {
	path string
}

func acquireLock(path string, ttl time.Duration) (*dirLock, error) {
	deadline := time.Now().Add(ttl)
	for {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return &dirLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire board lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > ttl {
			// Holder died without releasing; steal and retry.
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (l *dirLock) release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Nothing else to do; the TTL steal will reclaim it.
		_ = err
	}
}

// DefaultPath returns dir/tasks.json, for callers assembling stores by
// hand (tests, tools).
func DefaultPath(dir string) string {
	return filepath.Join(dir, "tasks.json")
}
