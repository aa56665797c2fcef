package board

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id is not on the board
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned when adding a task with a taken id
	ErrAlreadyExists = errors.New("task already exists")

	// ErrEmptyReason is returned when rejecting a task without a reason
	ErrEmptyReason = errors.New("rejection requires a non-empty reason")

	// ErrLockTimeout is returned when the board lock cannot be acquired
	// within its TTL
	ErrLockTimeout = errors.New("board lock timeout")
)

// TransitionError reports an illegal state-machine transition.
type TransitionError struct {
	TaskID string
	From   Status
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %q", e.TaskID, e.Op, e.From)
}

// IsTransitionError checks if an error is a transition error.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
