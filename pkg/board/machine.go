package board

import "fmt"

// Machine applies status transitions to tasks. Every legal transition
// appends a status_changed audit entry; reject and accept add their
// review entries on top. The zero value escalates at 3 rejections.
type Machine struct {
	// EscalationThreshold is the rejection count that forces a task to
	// needs_review instead of back to in_progress.
	EscalationThreshold int
}

// NewMachine creates a machine with the given escalation threshold
// (minimum 1).
func NewMachine(escalationThreshold int) *Machine {
	if escalationThreshold < 1 {
		escalationThreshold = 3
	}
	return &Machine{EscalationThreshold: escalationThreshold}
}

func (m *Machine) threshold() int {
	if m.EscalationThreshold < 1 {
		return 3
	}
	return m.EscalationThreshold
}

// Start moves a task into in_progress. Legal from todo and needs_review.
func (m *Machine) Start(t *Task, assignee string) error {
	switch t.Status {
	case StatusTodo, StatusNeedsReview:
	default:
		return &TransitionError{TaskID: t.ID, From: t.Status, Op: "start"}
	}
	from := t.Status
	t.Status = StatusInProgress
	if assignee != "" {
		t.Assignee = assignee
	}
	t.appendEvent(EventStatusChanged, from, StatusInProgress, "")
	return nil
}

// SubmitForReview moves an in_progress task to ready_for_review,
// optionally recording the workspace the work was produced in.
func (m *Machine) SubmitForReview(t *Task, wc *WorkspaceContext) error {
	if t.Status != StatusInProgress {
		return &TransitionError{TaskID: t.ID, From: t.Status, Op: "submit_review"}
	}
	t.Status = StatusReadyForReview
	if wc != nil {
		t.WorkspaceContext = wc
	}
	t.appendEvent(EventStatusChanged, StatusInProgress, StatusReadyForReview, "")
	return nil
}

// Accept moves a task to accepted (terminal). Legal from ready_for_review
// and needs_review.
func (m *Machine) Accept(t *Task) error {
	switch t.Status {
	case StatusReadyForReview, StatusNeedsReview:
	default:
		return &TransitionError{TaskID: t.ID, From: t.Status, Op: "accept"}
	}
	from := t.Status
	t.Status = StatusAccepted
	t.appendEvent(EventStatusChanged, from, StatusAccepted, "")
	t.appendEvent(EventReviewAccepted, "", "", "")
	return nil
}

// Reject sends a ready_for_review task back to in_progress with an
// incremented rejection count. Reaching the escalation threshold instead
// forces the task to needs_review and records an escalated entry; the
// counter freezes there for the run. Returns whether escalation fired.
func (m *Machine) Reject(t *Task, reason string) (escalated bool, err error) {
	if reason == "" {
		return false, ErrEmptyReason
	}
	if t.Status != StatusReadyForReview {
		return false, &TransitionError{TaskID: t.ID, From: t.Status, Op: "reject"}
	}

	t.RejectionCount++
	t.appendEvent(EventReviewRejected, "", "", reason)

	if t.RejectionCount >= m.threshold() {
		t.Status = StatusNeedsReview
		t.appendEvent(EventStatusChanged, StatusReadyForReview, StatusNeedsReview, reason)
		t.appendEvent(EventEscalated, "", "", fmt.Sprintf("Rejected %d times", t.RejectionCount))
		return true, nil
	}

	t.Status = StatusInProgress
	t.appendEvent(EventStatusChanged, StatusReadyForReview, StatusInProgress, reason)
	return false, nil
}

// Revoke pulls an in_progress task back to todo and clears its assignee.
// Used by the circuit breaker when an agent is quarantined.
func (m *Machine) Revoke(t *Task, reason string) error {
	if t.Status != StatusInProgress {
		return &TransitionError{TaskID: t.ID, From: t.Status, Op: "revoke"}
	}
	t.Status = StatusTodo
	t.Assignee = ""
	t.appendEvent(EventStatusChanged, StatusInProgress, StatusTodo, reason)
	return nil
}
