package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Retro statuses.
const (
	RetroInProgress = "in_progress"
	RetroCompleted  = "completed"
)

// ErrRetroNotFound is returned for unknown retro ids.
var ErrRetroNotFound = errors.New("retro not found")

// Retro is one retrospective opened for a finished workflow run.
type Retro struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId"`
	Status       string    `json:"status"`
	Participants []string  `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
}

// RetroStore tracks retros in memory and mirrors them to the archive when
// one is configured. It satisfies the workflow engine's RetroRecorder.
type RetroStore struct {
	mu      sync.Mutex
	retros  map[string]*Retro
	archive *Archive
}

// NewRetroStore creates a store; archive may be nil.
func NewRetroStore(archive *Archive) *RetroStore {
	return &RetroStore{retros: make(map[string]*Retro), archive: archive}
}

// StartRetro opens a retro for the run and returns its id.
func (s *RetroStore) StartRetro(runID string, participants []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retro := &Retro{
		ID:           uuid.New().String(),
		RunID:        runID,
		Status:       RetroInProgress,
		Participants: append([]string(nil), participants...),
		StartedAt:    time.Now().UTC(),
	}
	s.retros[retro.ID] = retro
	if err := s.mirror(retro); err != nil {
		return "", err
	}
	return retro.ID, nil
}

// Complete marks a retro finished.
func (s *RetroStore) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	retro, ok := s.retros[id]
	if !ok {
		return ErrRetroNotFound
	}
	retro.Status = RetroCompleted
	return s.mirror(retro)
}

// Get returns one retro.
func (s *RetroStore) Get(id string) (Retro, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retro, ok := s.retros[id]
	if !ok {
		return Retro{}, ErrRetroNotFound
	}
	return *retro, nil
}

func (s *RetroStore) mirror(retro *Retro) error {
	if s.archive == nil {
		return nil
	}
	participants, err := json.Marshal(retro.Participants)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	_, err = s.archive.db.ExecContext(ctx,
		`INSERT INTO retros (id, run_id, status, participants, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		retro.ID, retro.RunID, retro.Status, participants, retro.StartedAt)
	return err
}
