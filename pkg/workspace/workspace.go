// Package workspace provisions per-task working directories under the hub
// state dir and tracks them in a JSON registry. Git operations on the
// advisory branch happen client-side; the daemon only owns directories.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrNotFound    = errors.New("workspace not found")
	ErrOutsideRoot = errors.New("workspace path escapes the workspaces root")
)

// Record is one provisioned workspace.
type Record struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Status describes a workspace on disk.
type Status struct {
	Record    Record `json:"record"`
	Exists    bool   `json:"exists"`
	FileCount int    `json:"fileCount"`
	TotalSize int64  `json:"totalSize"`
}

// Manager owns the workspaces root and its registry file.
type Manager struct {
	mu        sync.Mutex
	root      string
	indexPath string
}

// NewManager creates a manager for root, with the registry at indexPath.
func NewManager(root, indexPath string) *Manager {
	return &Manager{root: root, indexPath: indexPath}
}

// Prepare creates a fresh workspace directory for the task and registers
// it with an advisory handoff branch name.
func (m *Manager) Prepare(taskID, requestedBy string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	short := id[:8]
	rec := Record{
		ID:        id,
		TaskID:    taskID,
		Path:      filepath.Join(m.root, id),
		Branch:    fmt.Sprintf("handoff/%s-%s", taskID, short),
		CreatedBy: requestedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := os.MkdirAll(rec.Path, 0o755); err != nil {
		return Record{}, fmt.Errorf("create workspace dir: %w", err)
	}

	recs, err := m.loadLocked()
	if err != nil {
		return Record{}, err
	}
	recs = append(recs, rec)
	if err := m.saveLocked(recs); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the record matching a workspace id or, failing that, the
// most recently created workspace of a task.
func (m *Manager) Get(idOrTask string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(idOrTask)
}

// Status reports the registry record plus on-disk existence and size.
func (m *Manager) Status(idOrTask string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.findLocked(idOrTask)
	if err != nil {
		return Status{}, err
	}
	st := Status{Record: rec}
	if _, err := os.Stat(rec.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return Status{}, err
	}
	st.Exists = true
	err = filepath.WalkDir(rec.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.FileCount++
		st.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// List returns all registered workspaces.
func (m *Manager) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// Cleanup removes the workspace directory and deregisters it. The path
// must still resolve under the workspaces root.
func (m *Manager) Cleanup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.loadLocked()
	if err != nil {
		return err
	}
	idx := -1
	for i, rec := range recs {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	rec := recs[idx]

	rootAbs, err := filepath.Abs(m.root)
	if err != nil {
		return err
	}
	pathAbs, err := filepath.Abs(rec.Path)
	if err != nil {
		return err
	}
	if pathAbs == rootAbs || !strings.HasPrefix(pathAbs, rootAbs+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, rec.Path)
	}
	if err := os.RemoveAll(pathAbs); err != nil {
		return fmt.Errorf("remove workspace dir: %w", err)
	}

	recs = append(recs[:idx], recs[idx+1:]...)
	return m.saveLocked(recs)
}

func (m *Manager) findLocked(idOrTask string) (Record, error) {
	recs, err := m.loadLocked()
	if err != nil {
		return Record{}, err
	}
	for _, rec := range recs {
		if rec.ID == idOrTask {
			return rec, nil
		}
	}
	// Fall back to the newest workspace for the task.
	var latest *Record
	for i := range recs {
		if recs[i].TaskID != idOrTask {
			continue
		}
		if latest == nil || recs[i].CreatedAt.After(latest.CreatedAt) {
			latest = &recs[i]
		}
	}
	if latest == nil {
		return Record{}, ErrNotFound
	}
	return *latest, nil
}

func (m *Manager) loadLocked() ([]Record, error) {
	data, err := os.ReadFile(m.indexPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace registry: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse workspace registry: %w", err)
	}
	return recs, nil
}

func (m *Manager) saveLocked(recs []Record) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write workspace registry: %w", err)
	}
	if err := os.Rename(tmp, m.indexPath); err != nil {
		return fmt.Errorf("replace workspace registry: %w", err)
	}
	return nil
}
