package board

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string) *Task {
	return &Task{ID: id, Title: "t", Status: StatusTodo, CreatedAt: time.Now().UTC()}
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine(3)
	task := newTask("t1")

	require.NoError(t, m.Start(task, "alice"))
	assert.Equal(t, StatusInProgress, task.Status)
	assert.Equal(t, "alice", task.Assignee)

	require.NoError(t, m.SubmitForReview(task, &WorkspaceContext{WorkspacePath: "/w", Branch: "b"}))
	assert.Equal(t, StatusReadyForReview, task.Status)
	assert.Equal(t, "/w", task.WorkspaceContext.WorkspacePath)

	require.NoError(t, m.Accept(task))
	assert.Equal(t, StatusAccepted, task.Status)

	// Terminal: nothing else is legal.
	assert.Error(t, m.Start(task, ""))
	assert.Error(t, m.SubmitForReview(task, nil))
	assert.Error(t, m.Accept(task))
}

func TestMachineIllegalTransitions(t *testing.T) {
	m := NewMachine(3)

	t.Run("submit from todo", func(t *testing.T) {
		err := m.SubmitForReview(newTask("t1"), nil)
		require.Error(t, err)
		assert.True(t, IsTransitionError(err))
	})

	t.Run("accept from todo", func(t *testing.T) {
		assert.Error(t, m.Accept(newTask("t1")))
	})

	t.Run("reject from in_progress", func(t *testing.T) {
		task := newTask("t1")
		require.NoError(t, m.Start(task, ""))
		_, err := m.Reject(task, "nope")
		assert.True(t, IsTransitionError(err))
	})

	t.Run("reject without reason", func(t *testing.T) {
		task := newTask("t1")
		require.NoError(t, m.Start(task, ""))
		require.NoError(t, m.SubmitForReview(task, nil))
		_, err := m.Reject(task, "")
		assert.ErrorIs(t, err, ErrEmptyReason)
	})
}

func TestMachineRejectionEscalation(t *testing.T) {
	m := NewMachine(3)
	task := newTask("t1")
	require.NoError(t, m.Start(task, "alice"))

	for i, reason := range []string{"r1", "r2"} {
		require.NoError(t, m.SubmitForReview(task, nil))
		escalated, err := m.Reject(task, reason)
		require.NoError(t, err)
		assert.False(t, escalated, "reject %d must not escalate", i+1)
		assert.Equal(t, StatusInProgress, task.Status)
		assert.Equal(t, i+1, task.RejectionCount)
	}

	require.NoError(t, m.SubmitForReview(task, nil))
	escalated, err := m.Reject(task, "r3")
	require.NoError(t, err)
	assert.True(t, escalated)
	assert.Equal(t, StatusNeedsReview, task.Status)
	assert.Equal(t, 3, task.RejectionCount)

	var escalations []TaskEvent
	for _, e := range task.Events {
		if e.Type == EventEscalated {
			escalations = append(escalations, e)
		}
	}
	require.Len(t, escalations, 1, "exactly one escalated event")
	assert.Contains(t, escalations[0].Reason, "Rejected 3 times")

	// needs_review resumes through start or accept.
	require.NoError(t, m.Start(task, "bob"))
	assert.Equal(t, StatusInProgress, task.Status)
}

func TestMachineNeedsReviewAccept(t *testing.T) {
	m := NewMachine(1)
	task := newTask("t1")
	require.NoError(t, m.Start(task, ""))
	require.NoError(t, m.SubmitForReview(task, nil))
	escalated, err := m.Reject(task, "bad")
	require.NoError(t, err)
	require.True(t, escalated, "threshold 1 escalates on first reject")

	require.NoError(t, m.Accept(task))
	assert.Equal(t, StatusAccepted, task.Status)
}

func TestMachineRevoke(t *testing.T) {
	m := NewMachine(3)
	task := newTask("t1")
	require.NoError(t, m.Start(task, "alice"))

	require.NoError(t, m.Revoke(task, "agent quarantined"))
	assert.Equal(t, StatusTodo, task.Status)
	assert.Empty(t, task.Assignee)

	assert.Error(t, m.Revoke(task, "again"), "revoke only from in_progress")
}

// Task state closure: any finite operation sequence leaves the task in one
// of the enumerated statuses, with a monotone rejection count and a
// status_changed trail matching the observed status.
func TestMachineStateClosureProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)
	properties.Property("state closure under random op sequences", prop.ForAll(
		func(ops []int) bool {
			m := NewMachine(3)
			task := newTask("t1")
			prevRejections := 0
			for _, op := range ops {
				switch op % 4 {
				case 0:
					_ = m.Start(task, "a")
				case 1:
					_ = m.SubmitForReview(task, nil)
				case 2:
					_ = m.Accept(task)
				case 3:
					_, _ = m.Reject(task, "r")
				}
				if !task.Status.Known() {
					return false
				}
				if task.RejectionCount < prevRejections {
					return false
				}
				prevRejections = task.RejectionCount
			}
			if len(task.Events) > 0 {
				for i := len(task.Events) - 1; i >= 0; i-- {
					if task.Events[i].Type == EventStatusChanged {
						return task.Events[i].To == task.Status
					}
				}
			}
			return task.Status == StatusTodo
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))
	properties.TestingRun(t)
}
