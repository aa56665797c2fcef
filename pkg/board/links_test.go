package board

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkStore(t *testing.T) {
	s := NewLinkStore(filepath.Join(t.TempDir(), "external-links.json"))

	require.NoError(t, s.Add(ExternalLink{TaskID: "t-1", URL: "https://github.com/org/repo/issues/1", Kind: "issue", AddedBy: "alice"}))
	require.NoError(t, s.Add(ExternalLink{TaskID: "t-1", URL: "https://github.com/org/repo/pull/2", Kind: "pr"}))
	require.NoError(t, s.Add(ExternalLink{TaskID: "t-2", URL: "https://example.com/doc"}))

	links, err := s.ByTask("t-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "issue", links[0].Kind)
	assert.Equal(t, "alice", links[0].AddedBy)
	assert.False(t, links[0].AddedAt.IsZero())
	assert.Equal(t, "pr", links[1].Kind)

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ByTask("t-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLinkStoreRejectsIncomplete(t *testing.T) {
	s := NewLinkStore(filepath.Join(t.TempDir(), "external-links.json"))
	assert.Error(t, s.Add(ExternalLink{URL: "https://example.com"}))
	assert.Error(t, s.Add(ExternalLink{TaskID: "t-1"}))
}
