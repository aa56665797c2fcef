package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ExternalLink associates a task with an external resource such as a
// GitHub issue or pull request.
type ExternalLink struct {
	TaskID  string    `json:"taskId"`
	URL     string    `json:"url"`
	Kind    string    `json:"kind,omitempty"`
	AddedBy string    `json:"addedBy,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// LinkStore persists external links as a single JSON file next to the
// board. Writes are serialized in-process; the daemon is the only writer.
type LinkStore struct {
	mu   sync.Mutex
	path string
}

// NewLinkStore creates a store for the links file at path.
func NewLinkStore(path string) *LinkStore {
	return &LinkStore{path: path}
}

// Add appends a link and saves.
func (s *LinkStore) Add(link ExternalLink) error {
	if link.TaskID == "" || link.URL == "" {
		return fmt.Errorf("external link requires task id and url")
	}
	if link.AddedAt.IsZero() {
		link.AddedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(append(links, link))
}

// ByTask returns all links for one task, oldest first.
func (s *LinkStore) ByTask(taskID string) ([]ExternalLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	var out []ExternalLink
	for _, l := range links {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

// All returns every stored link.
func (s *LinkStore) All() ([]ExternalLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *LinkStore) loadLocked() ([]ExternalLink, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read external links: %w", err)
	}
	var links []ExternalLink
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("parse external links: %w", err)
	}
	return links, nil
}

func (s *LinkStore) saveLocked(links []ExternalLink) error {
	data, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return fmt.Errorf("encode external links: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write external links: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace external links: %w", err)
	}
	return nil
}
