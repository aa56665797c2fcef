package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, maxBytes int64, maxAge time.Duration) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "events.ndjson"), maxBytes, maxAge)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func logEvent(typ, taskID string, ts time.Time) Event {
	return Event{ID: typ + "-" + taskID, Type: typ, TaskID: taskID, Timestamp: ts}
}

func TestLogAppendQuery(t *testing.T) {
	l := openTestLog(t, 0, 0)
	now := time.Now().UTC()

	require.NoError(t, l.Append(logEvent(TaskStarted, "t1", now.Add(-2*time.Minute))))
	require.NoError(t, l.Append(logEvent(TaskAccepted, "t1", now.Add(-time.Minute))))
	require.NoError(t, l.Append(logEvent(TrustUpdate, "", now)))

	t.Run("returns all in chronological order", func(t *testing.T) {
		got, err := l.Query(LogQuery{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, TaskStarted, got[0].Type)
		assert.Equal(t, TrustUpdate, got[2].Type)
	})

	t.Run("filters by exact type", func(t *testing.T) {
		got, err := l.Query(LogQuery{Type: TaskAccepted})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("filters by prefix pattern", func(t *testing.T) {
		got, err := l.Query(LogQuery{Type: "TASK_*"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filters by since", func(t *testing.T) {
		got, err := l.Query(LogQuery{Since: now.Add(-90 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("limit keeps the most recent tail", func(t *testing.T) {
		got, err := l.Query(LogQuery{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, TrustUpdate, got[0].Type)
	})
}

func TestLogSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n{\"type\":\"TASK_STARTED\",\"id\":\"e1\",\"timestamp\":\"2026-01-02T03:04:05Z\"}\n"), 0o644))

	l, err := OpenLog(path, 0, 0)
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Query(LogQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	l, err := OpenLog(path, 256, 0)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(logEvent(ProgressUpdate, "t1", time.Now().UTC())))
	}

	_, err = os.Stat(path + OldSuffix)
	require.NoError(t, err, "rotation produced the .old generation")
	assert.Less(t, l.Size(), int64(256))

	got, err := l.Query(LogQuery{Limit: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, got, "current generation still queryable after rotation")
}

func TestLogPrune(t *testing.T) {
	l := openTestLog(t, 0, time.Hour)
	now := time.Now().UTC()

	require.NoError(t, l.Append(logEvent(TaskStarted, "old", now.Add(-2*time.Hour))))
	require.NoError(t, l.Append(logEvent(TaskStarted, "fresh", now)))

	dropped, err := l.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	got, err := l.Query(LogQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].TaskID)

	dropped, err = l.Prune()
	require.NoError(t, err)
	assert.Zero(t, dropped, "second prune finds nothing to drop")
}

func TestLogAttach(t *testing.T) {
	l := openTestLog(t, 0, 0)
	bus := NewBus(10)
	unsub := l.Attach(bus)

	bus.Emit(Event{Type: TaskStarted, TaskID: "t1"})
	bus.Emit(Event{Type: TrustUpdate, Agent: "alice"})

	got, err := l.Query(LogQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TaskStarted, got[0].Type)
	assert.NotEmpty(t, got[0].ID, "bus-assigned ids are persisted")

	unsub()
	bus.Emit(Event{Type: TaskStarted})
	got, err = l.Query(LogQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "detached log stops appending")
}
