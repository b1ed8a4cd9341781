package embedding

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	cache, err := OpenCache(path)
	require.NoError(t, err)

	require.NoError(t, cache.Put("model-a", map[string][]float32{
		"hello": {0.25, -1.5, 3},
		"world": {1, 2, 3},
	}))

	got, err := cache.Get("model-a", []string{"hello", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"hello": {0.25, -1.5, 3}}, got)

	other, err := cache.Get("model-b", []string{"hello"})
	require.NoError(t, err)
	assert.Empty(t, other, "entries are scoped by model")

	require.NoError(t, cache.Close())

	reopened, err := OpenCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = reopened.Get("model-a", []string{"world"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got["world"])
}

func TestCachePutEmptyIsNoop(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "embeddings.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put("m", nil))
	n, err := cache.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
