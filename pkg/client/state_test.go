package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	state, err := OpenState(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(path), state.GetStateDir())
	assert.Empty(t, state.GetLastUsername())

	require.NoError(t, state.SetLastUsername("ann"))
	require.NoError(t, state.SetLastServer("ws://example.test/ws"))
	require.NoError(t, state.SetLastUsername("anna"))
	require.NoError(t, state.Close())

	// Survives a reopen.
	state, err = OpenState(path)
	require.NoError(t, err)
	defer state.Close()
	assert.Equal(t, "anna", state.GetLastUsername())
	assert.Equal(t, "ws://example.test/ws", state.GetLastServer())

	value, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestStateSentPosts(t *testing.T) {
	state, err := OpenState(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer state.Close()

	require.NoError(t, state.RecordPost("a:1", 100, "first"))
	require.NoError(t, state.RecordPost("a:1", 200, "second"))
	require.NoError(t, state.RecordPost("b:1", 300, "elsewhere"))
	require.NoError(t, state.RecordPost("a:1", 100, "first, edited"))

	posts, err := state.RecentPosts("a:1", 10)
	require.NoError(t, err)
	assert.Equal(t, []SentPost{{200, "second"}, {100, "first, edited"}}, posts)

	posts, err = state.RecentPosts("a:1", 1)
	require.NoError(t, err)
	assert.Len(t, posts, 1)

	posts, err = state.RecentPosts("c:1", 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
}
