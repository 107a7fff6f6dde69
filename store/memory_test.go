package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github/itish2003/retrieval/models"
)

func TestMemoryIndex_PersistWritesManifest(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Build(ctx, sampleEntries()))

	dir := filepath.Join(t.TempDir(), "faiss_index")
	require.NoError(t, idx.Persist(ctx, dir))

	assert.FileExists(t, filepath.Join(dir, manifestFile))
	assert.FileExists(t, filepath.Join(dir, entriesFile))

	// No temp directories are left next to the index.
	siblings, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, siblings, 1)
}

func TestMemoryIndex_PersistOverwrites(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "idx")

	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Build(ctx, sampleEntries()))
	require.NoError(t, idx.Persist(ctx, dir))
	require.NoError(t, idx.Build(ctx, sampleEntries()[:1]))
	require.NoError(t, idx.Persist(ctx, dir))

	loaded := NewMemoryIndex(MetricCosine)
	require.NoError(t, loaded.Load(ctx, dir))
	n, err := loaded.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryIndex_PersistEmptyIndex(t *testing.T) {
	err := NewMemoryIndex(MetricCosine).Persist(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, models.ErrEmptyInput)
}

func TestMemoryIndex_LoadCorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFile), []byte(`{"metric":"cosine","dimension":2,"count":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, entriesFile), []byte("{not json}\n"), 0o644))

	err := NewMemoryIndex(MetricCosine).Load(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestMemoryIndex_ConcurrentSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Build(ctx, sampleEntries()))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
		}()
	}
	wg.Wait()
}

func TestMemoryIndex_EntriesIsACopy(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(MetricCosine)
	require.NoError(t, idx.Build(ctx, sampleEntries()))

	entries, err := idx.Entries(ctx)
	require.NoError(t, err)
	entries[0].ID = "mutated"

	again, err := idx.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].ID)
}
