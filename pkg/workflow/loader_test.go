package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDefinition(t *testing.T, dir, file, name string) {
	t.Helper()
	content := "name: " + name + "\nsteps:\n  - {id: a, assign: x, handoff: {goal: g}}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestLibraryLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "release.yaml", "release")
	writeDefinition(t, dir, "hotfix.yml", "hotfix")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	writeDefinition(t, dir, filepath.Join("nested", "deep.yaml"), "deep")
	// non-definition files and broken YAML are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":::"), 0o644))

	l, err := NewLibrary(dir)
	require.NoError(t, err)
	defer l.Close()

	defs := l.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"deep", "hotfix", "release"}, names)

	def, err := l.Get("release")
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)

	_, err = l.Get("ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestLibraryMissingDirIsEmpty(t *testing.T) {
	l, err := NewLibrary(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, l.List())
}

func TestLibraryDuplicateNameKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "a.yaml", "dup")
	writeDefinition(t, dir, "b.yaml", "dup")

	l, err := NewLibrary(dir)
	require.NoError(t, err)
	assert.Len(t, l.List(), 1)
}

func TestLibraryWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "first.yaml", "first")

	l, err := NewLibrary(dir)
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	writeDefinition(t, dir, "second.yaml", "second")

	require.Eventually(t, func() bool {
		_, err := l.Get("second")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
