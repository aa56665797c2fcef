package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "workspaces"), filepath.Join(dir, "workspaces.json"))
}

func TestPrepare(t *testing.T) {
	m := newManager(t)

	rec, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "t-1", rec.TaskID)
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.True(t, strings.HasPrefix(rec.Branch, "handoff/t-1-"))
	assert.DirExists(t, rec.Path)

	// Registered and retrievable by id or task.
	byID, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byID.ID)
	byTask, err := m.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byTask.ID)
}

func TestGetPrefersNewestForTask(t *testing.T) {
	m := newManager(t)
	_, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)
	second, err := m.Prepare("t-1", "bob")
	require.NoError(t, err)

	got, err := m.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = m.Get("t-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusCountsFiles(t *testing.T) {
	m := newManager(t)
	rec, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(rec.Path, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "sub", "b.txt"), []byte("world!"), 0o644))

	st, err := m.Status(rec.ID)
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, 2, st.FileCount)
	assert.Equal(t, int64(11), st.TotalSize)
}

func TestStatusMissingDirectory(t *testing.T) {
	m := newManager(t)
	rec, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(rec.Path))

	st, err := m.Status(rec.ID)
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.Zero(t, st.FileCount)
}

func TestCleanup(t *testing.T) {
	m := newManager(t)
	rec, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "a.txt"), []byte("x"), 0o644))

	require.NoError(t, m.Cleanup(rec.ID))
	assert.NoDirExists(t, rec.Path)
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Cleanup(rec.ID), ErrNotFound)
}

func TestCleanupRefusesEscapedPath(t *testing.T) {
	m := newManager(t)
	rec, err := m.Prepare("t-1", "alice")
	require.NoError(t, err)

	// Corrupt the registry so the record points outside the root.
	recs, err := m.List()
	require.NoError(t, err)
	recs[0].Path = t.TempDir()
	require.NoError(t, m.saveLocked(recs))

	assert.ErrorIs(t, m.Cleanup(rec.ID), ErrOutsideRoot)
}
