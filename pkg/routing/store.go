package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an account has no capability record.
var ErrNotFound = errors.New("capability not found")

// Store persists capability records in capabilities.json with the same
// atomic-write discipline as the task board.
type Store struct {
	mu   sync.Mutex
	path string
	caps map[string]*Capability
}

// NewStore loads (or initializes) the store backed by the file at path.
// An empty path keeps the store memory-only, for tests.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, caps: make(map[string]*Capability)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read capability store: %w", err)
	}
	var caps []*Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("parse capability store: %w", err)
	}
	for _, c := range caps {
		s.caps[c.AccountName] = c
	}
	return s, nil
}

// Upsert replaces (or creates) the record for cap.AccountName.
func (s *Store) Upsert(cap Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.caps[cap.AccountName]
	if ok {
		// Declared fields replace; observed counters survive unless the
		// caller set them explicitly.
		if cap.TotalTasks == 0 && cap.AcceptedTasks == 0 && cap.RejectedTasks == 0 {
			cap.TotalTasks = existing.TotalTasks
			cap.AcceptedTasks = existing.AcceptedTasks
			cap.RejectedTasks = existing.RejectedTasks
			cap.AvgDeliveryMs = existing.AvgDeliveryMs
		}
	}
	s.caps[cap.AccountName] = &cap
	return s.persistLocked()
}

// Get returns the record for account.
func (s *Store) Get(account string) (Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[account]
	if !ok {
		return Capability{}, false
	}
	return *c, true
}

// All returns every record sorted by account name, for deterministic
// ranking input order.
func (s *Store) All() []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Capability, 0, len(s.caps))
	for _, c := range s.caps {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountName < out[j].AccountName })
	return out
}

// RecordDelivery folds one finished task into the account's counters and
// running delivery average, creating the record when absent.
func (s *Store) RecordDelivery(account string, accepted bool, deliveryMs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[account]
	if !ok {
		c = &Capability{AccountName: account}
		s.caps[account] = c
	}
	c.TotalTasks++
	if accepted {
		c.AcceptedTasks++
	} else {
		c.RejectedTasks++
	}
	if deliveryMs > 0 {
		if c.AvgDeliveryMs <= 0 {
			c.AvgDeliveryMs = deliveryMs
		} else {
			n := float64(c.TotalTasks)
			c.AvgDeliveryMs = (c.AvgDeliveryMs*(n-1) + deliveryMs) / n
		}
	}
	c.LastActiveAt = time.Now().UTC()
	return s.persistLocked()
}

// Touch updates the account's last-active timestamp.
func (s *Store) Touch(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[account]
	if !ok {
		return nil
	}
	c.LastActiveAt = time.Now().UTC()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	caps := make([]*Capability, 0, len(s.caps))
	for _, c := range s.caps {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].AccountName < caps[j].AccountName })

	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode capability store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write capability store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace capability store: %w", err)
	}
	return nil
}
