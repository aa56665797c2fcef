package workflow

import (
	"errors"
	"sync"
)

// ErrRunNotFound is returned for unknown run or step-run ids.
var ErrRunNotFound = errors.New("workflow run not found")

// RunStore persists runs and step runs. The engine is the sole writer;
// implementations serialize internally.
type RunStore interface {
	CreateRun(run Run, steps []StepRun) error
	GetRun(id string) (Run, error)
	UpdateRun(run Run) error
	ListRuns(limit int) ([]Run, error)
	StepRuns(runID string) ([]StepRun, error)
	UpdateStepRun(sr StepRun) error
}

// MemoryRunStore is the in-process RunStore used when no history archive
// is configured.
type MemoryRunStore struct {
	mu    sync.Mutex
	runs  map[string]Run
	steps map[string][]StepRun // run id -> step runs in definition order
	order []string             // run ids in creation order
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:  make(map[string]Run),
		steps: make(map[string][]StepRun),
	}
}

// CreateRun stores the run and its step runs.
func (s *MemoryRunStore) CreateRun(run Run, steps []StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	s.steps[run.ID] = append([]StepRun(nil), steps...)
	s.order = append(s.order, run.ID)
	return nil
}

// GetRun returns one run.
func (s *MemoryRunStore) GetRun(id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// UpdateRun replaces the run row.
func (s *MemoryRunStore) UpdateRun(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// ListRuns returns up to limit most-recent runs, newest first.
func (s *MemoryRunStore) ListRuns(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Run, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[s.order[i]])
	}
	return out, nil
}

// StepRuns returns the run's step runs in definition order.
func (s *MemoryRunStore) StepRuns(runID string) ([]StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.steps[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return append([]StepRun(nil), steps...), nil
}

// UpdateStepRun replaces one step run by id.
func (s *MemoryRunStore) UpdateStepRun(sr StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.steps[sr.RunID]
	if !ok {
		return ErrRunNotFound
	}
	for i := range steps {
		if steps[i].ID == sr.ID {
			steps[i] = sr
			return nil
		}
	}
	return ErrRunNotFound
}
