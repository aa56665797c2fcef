// Package board holds the task board: the task model, the status state
// machine with rejection escalation, and the atomic on-disk store.
package board

import (
	"time"
)

// Status is a task lifecycle state.
type Status string

// Task statuses. Accepted is terminal; Rejected exists only as the target
// of the reject transition's bookkeeping and is never a resting state.
const (
	StatusTodo           Status = "todo"
	StatusInProgress     Status = "in_progress"
	StatusReadyForReview Status = "ready_for_review"
	StatusAccepted       Status = "accepted"
	StatusRejected       Status = "rejected"
	StatusNeedsReview    Status = "needs_review"
)

// Known reports whether s is one of the enumerated statuses.
func (s Status) Known() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReadyForReview,
		StatusAccepted, StatusRejected, StatusNeedsReview:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusAccepted }

// Task event types recorded on the task itself (distinct from bus events).
const (
	EventStatusChanged  = "status_changed"
	EventReviewRejected = "review_rejected"
	EventReviewAccepted = "review_accepted"
	EventEscalated      = "escalated"
)

// TaskEvent is one audit entry in a task's history.
type TaskEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// WorkspaceContext ties a review submission to the workspace it was
// produced in, so acceptance commands run in the right directory.
type WorkspaceContext struct {
	WorkspacePath string `json:"workspacePath"`
	Branch        string `json:"branch"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

// Task is one unit of work on the board.
type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Status           Status            `json:"status"`
	Assignee         string            `json:"assignee,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	Events           []TaskEvent       `json:"events,omitempty"`
	RejectionCount   int               `json:"rejectionCount"`
	Tags             []string          `json:"tags,omitempty"`
	Priority         string            `json:"priority,omitempty"`
	Skills           []string          `json:"skills,omitempty"`
	Blocked          bool              `json:"blocked,omitempty"`
	WorkspaceContext *WorkspaceContext `json:"workspaceContext,omitempty"`
}

// EnteredStatusAt returns when the task entered its current status: the
// timestamp of the last status_changed event whose To matches, falling
// back to CreatedAt for tasks that never transitioned.
func (t *Task) EnteredStatusAt() time.Time {
	for i := len(t.Events) - 1; i >= 0; i-- {
		e := t.Events[i]
		if e.Type == EventStatusChanged && e.To == t.Status {
			return e.Timestamp
		}
	}
	return t.CreatedAt
}

// LastEnteredAt returns when the task last entered the given status, or
// the zero time if it never did.
func (t *Task) LastEnteredAt(s Status) time.Time {
	for i := len(t.Events) - 1; i >= 0; i-- {
		e := t.Events[i]
		if e.Type == EventStatusChanged && e.To == s {
			return e.Timestamp
		}
	}
	return time.Time{}
}

// appendEvent records one audit entry with a UTC timestamp.
func (t *Task) appendEvent(typ string, from, to Status, reason string) {
	t.Events = append(t.Events, TaskEvent{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Reason:    reason,
	})
}

// Board is the full task collection persisted in tasks.json.
type Board struct {
	Tasks []*Task `json:"tasks"`
}

// Get returns the task with the given id, or nil.
func (b *Board) Get(id string) *Task {
	for _, t := range b.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Add appends a task. The caller is responsible for id uniqueness; Add
// returns ErrAlreadyExists on a duplicate.
func (b *Board) Add(t *Task) error {
	if b.Get(t.ID) != nil {
		return ErrAlreadyExists
	}
	b.Tasks = append(b.Tasks, t)
	return nil
}
