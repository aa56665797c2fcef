package breaker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfg Config) (*Breaker, *board.Store, *events.Bus) {
	t.Helper()
	store := board.NewStore(filepath.Join(t.TempDir(), "tasks.json"), time.Second)
	bus := events.NewBus(100)
	return New(cfg, store, board.NewMachine(3), bus), store, bus
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, store, bus := setup(t, Config{FailureThreshold: 3, FailureWindow: time.Minute, Quarantine: time.Hour})

	machine := board.NewMachine(3)
	require.NoError(t, store.Update(func(brd *board.Board) error {
		for _, id := range []string{"t1", "t2"} {
			task := &board.Task{ID: id, Status: board.StatusTodo, CreatedAt: time.Now().UTC()}
			if err := brd.Add(task); err != nil {
				return err
			}
			if err := machine.Start(task, "alice"); err != nil {
				return err
			}
		}
		return brd.Add(&board.Task{ID: "t3", Status: board.StatusTodo, CreatedAt: time.Now().UTC(), Assignee: "bob"})
	}))

	var opened []events.Event
	bus.On(events.CircuitBreakerOpen, func(e events.Event) { opened = append(opened, e) })

	for i := 0; i < 2; i++ {
		tripped, err := b.RecordFailure("alice", "acceptance_failure")
		require.NoError(t, err)
		assert.False(t, tripped)
	}
	tripped, err := b.RecordFailure("alice", "acceptance_failure")
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.True(t, b.Quarantined("alice"))

	require.Len(t, opened, 1)
	revoked := opened[0].Data["revokedTaskIds"].([]string)
	assert.ElementsMatch(t, []string{"t1", "t2"}, revoked)

	brd, err := store.Load()
	require.NoError(t, err)
	for _, id := range []string{"t1", "t2"} {
		task := brd.Get(id)
		assert.Equal(t, board.StatusTodo, task.Status)
		assert.Empty(t, task.Assignee)
	}
	assert.Equal(t, "bob", brd.Get("t3").Assignee, "other agents untouched")
}

func TestBreakerWindowExpiry(t *testing.T) {
	b, _, _ := setup(t, Config{FailureThreshold: 2, FailureWindow: 50 * time.Millisecond, Quarantine: time.Hour})

	_, err := b.RecordFailure("alice", "x")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	tripped, err := b.RecordFailure("alice", "x")
	require.NoError(t, err)
	assert.False(t, tripped, "first failure aged out of the window")
}

func TestBreakerReinstate(t *testing.T) {
	b, _, bus := setup(t, Config{FailureThreshold: 1, FailureWindow: time.Minute, Quarantine: time.Hour})

	var closed int
	bus.On(events.CircuitBreakerClosed, func(events.Event) { closed++ })

	tripped, err := b.RecordFailure("alice", "x")
	require.NoError(t, err)
	require.True(t, tripped)
	assert.Equal(t, []string{"alice"}, b.QuarantinedAccounts())

	b.Reinstate("alice")
	assert.False(t, b.Quarantined("alice"))
	assert.Empty(t, b.QuarantinedAccounts())
	assert.Equal(t, 1, closed)

	b.Reinstate("alice")
	assert.Equal(t, 1, closed, "reinstating a free agent emits nothing")
}

func TestBreakerQuarantineExpires(t *testing.T) {
	b, _, _ := setup(t, Config{FailureThreshold: 1, FailureWindow: time.Minute, Quarantine: 30 * time.Millisecond})

	_, err := b.RecordFailure("alice", "x")
	require.NoError(t, err)
	require.True(t, b.Quarantined("alice"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, b.Quarantined("alice"))
	_, ok := b.Status("alice")
	assert.False(t, ok)
}
