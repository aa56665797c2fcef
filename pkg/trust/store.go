// Package trust maintains per-agent trust scores derived from task
// outcomes.
//
// The delta schedule is fixed and bounded: completed +2 (+3 when the task
// took at most 15 minutes, +1 when it took more than 120), failed -5,
// rejected -3. Scores are clamped to [0, 100]; unknown agents start at
// the neutral baseline of 50.
package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Baseline is the score assigned to an agent with no recorded history.
const Baseline = 50

// Outcome classifies how a task ended for the agent.
type Outcome string

// Outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

// ErrUnknownOutcome is returned for outcomes outside the enumeration.
var ErrUnknownOutcome = errors.New("unknown outcome")

// Record is one agent's trust state.
type Record struct {
	Agent          string    `json:"agent"`
	TrustScore     int       `json:"trustScore"`
	CompletedCount int       `json:"completedCount"`
	FailedCount    int       `json:"failedCount"`
	RejectedCount  int       `json:"rejectedCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store holds trust records in memory and mirrors them to a JSON file
// with the same temp+rename discipline as the task board.
type Store struct {
	mu   sync.Mutex
	path string
	recs map[string]*Record
}

// NewStore loads (or initializes) the store backed by the file at path.
// An empty path keeps the store memory-only, for tests.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, recs: make(map[string]*Record)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	var recs []*Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse trust store: %w", err)
	}
	for _, r := range recs {
		s.recs[r.Agent] = r
	}
	return s, nil
}

// RecordOutcome updates the agent's counters and score, creating the
// record at the baseline when absent. durationMinutes <= 0 means unknown.
// Returns the updated record and the applied (post-clamp) delta; callers
// emit TRUST_UPDATE only when delta is non-zero.
func (s *Store) RecordOutcome(agent string, outcome Outcome, durationMinutes float64) (Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[agent]
	if !ok {
		rec = &Record{Agent: agent, TrustScore: Baseline}
		s.recs[agent] = rec
	}

	var raw int
	switch outcome {
	case OutcomeCompleted:
		rec.CompletedCount++
		switch {
		case durationMinutes > 0 && durationMinutes <= 15:
			raw = 3
		case durationMinutes > 120:
			raw = 1
		default:
			raw = 2
		}
	case OutcomeFailed:
		rec.FailedCount++
		raw = -5
	case OutcomeRejected:
		rec.RejectedCount++
		raw = -3
	default:
		return Record{}, 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}

	before := rec.TrustScore
	rec.TrustScore = clamp(before + raw)
	rec.UpdatedAt = time.Now().UTC()
	delta := rec.TrustScore - before

	if err := s.persistLocked(); err != nil {
		return Record{}, 0, err
	}
	return *rec, delta, nil
}

// Get returns the agent's record.
func (s *Store) Get(agent string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[agent]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns every record, sorted by agent name.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	recs := make([]*Record, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Agent < recs[j].Agent })

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trust store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace trust store: %w", err)
	}
	return nil
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
