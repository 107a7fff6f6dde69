package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"

	"github/itish2003/retrieval/models"
	"github/itish2003/retrieval/store"
)

func newTestRAG(t *testing.T, dir string) (RAGService, *CorpusFiles) {
	t.Helper()
	return newTestRAGWith(t, dir, NewHashEmbedder(128), store.NewMemoryIndex(store.MetricCosine), filepath.Join(t.TempDir(), "index"))
}

func newTestRAGWith(t *testing.T, dir string, embedder embeddings.Embedder, index store.VectorIndex, location string) (RAGService, *CorpusFiles) {
	t.Helper()
	files, err := NewCorpusFiles(dir)
	require.NoError(t, err)
	retriever, err := NewRetriever(RetrieverConfig{
		Chunk:        ChunkConfig{Size: 200, Overlap: 20, Separator: "\n"},
		FilterFields: []string{models.MetaCandidateName},
		Location:     location,
	}, embedder, index)
	require.NoError(t, err)

	return NewRAGService(RAGConfig{TopK: 3, Threshold: 0, Load: LoadOptions{EnrichCandidates: true}}, retriever, files), files
}

func TestRAGService_IngestTextAndQuery(t *testing.T) {
	ctx := context.Background()
	svc, files := newTestRAG(t, t.TempDir())

	n, err := svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "a.txt", Text: "The cat sat on the mat."})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(files.Dir, "a.txt"))

	n, err = svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "b.txt", Text: "Dogs bark loudly at night."})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	resp, err := svc.Query(ctx, models.QueryTextRequest{Query: "What did the cat do?", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Passages, 1)
	assert.Equal(t, "a.txt", resp.Passages[0].Source)
	assert.Contains(t, resp.Context, "[source:a.txt")

	high := 1.1
	resp, err = svc.Query(ctx, models.QueryTextRequest{Query: "cat", Threshold: &high})
	require.NoError(t, err)
	assert.Empty(t, resp.Passages)
	assert.Empty(t, resp.Context)

	count, err := svc.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	list, err := svc.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Count)
	for _, e := range list.Entries {
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.Metadata[models.MetaFileHash])
	}
}

func TestRAGService_QueryDefaults(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestRAG(t, t.TempDir())
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		_, err := svc.IngestText(ctx, models.IngestDocumentRequest{Filename: name, Text: "shared words in " + name})
		require.NoError(t, err)
	}

	resp, err := svc.Query(ctx, models.QueryTextRequest{Query: "shared words"})
	require.NoError(t, err)
	assert.Len(t, resp.Passages, 3)

	_, err = svc.Query(ctx, models.QueryTextRequest{Query: "shared", K: -1})
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestRAGService_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestRAG(t, t.TempDir())

	_, err := svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "a.txt", Text: "alpha"})
	require.NoError(t, err)

	_, err = svc.DeleteDocument(ctx, "a.txt")
	assert.ErrorIs(t, err, models.ErrEmptyInput)

	_, err = svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "b.txt", Text: "beta"})
	require.NoError(t, err)

	n, err := svc.DeleteDocument(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.DeleteDocument(ctx, "missing.txt")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRAGService_ReindexSkipsBrokenFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.md"), []byte("# Name: Jane Doe\n\nSkills: Go"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("garbage"), 0o644))
	svc, _ := newTestRAG(t, dir)

	n, err := svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := svc.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "Jane Doe", list.Entries[0].Metadata[models.MetaCandidateName])
}

func TestRAGService_EmptyCorpus(t *testing.T) {
	svc, _ := newTestRAG(t, t.TempDir())

	_, err := svc.Reindex(context.Background())
	assert.ErrorIs(t, err, models.ErrEmptyInput)
}

func TestRAGService_SameNameInSubdirectories(t *testing.T) {
	backends := map[string]func(t *testing.T) (store.VectorIndex, string){
		"memory": func(t *testing.T) (store.VectorIndex, string) {
			return store.NewMemoryIndex(store.MetricCosine), filepath.Join(t.TempDir(), "index")
		},
		"sqlite": func(t *testing.T) (store.VectorIndex, string) {
			path := filepath.Join(t.TempDir(), "index.db")
			idx, err := store.NewSQLiteIndex(path, store.MetricCosine)
			require.NoError(t, err)
			t.Cleanup(func() { idx.Close() })
			return idx, path
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			for _, sub := range []string{"x", "y"} {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, sub, "notes.txt"), []byte("notes kept in "+sub), 0o644))
			}
			index, location := open(t)
			svc, _ := newTestRAGWith(t, dir, NewHashEmbedder(128), index, location)

			n, err := svc.Reindex(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			list, err := svc.ListEntries(ctx)
			require.NoError(t, err)
			require.Len(t, list.Entries, 2)
			assert.NotEqual(t, list.Entries[0].ID, list.Entries[1].ID)
			sources := []string{list.Entries[0].Metadata[models.MetaSource], list.Entries[1].Metadata[models.MetaSource]}
			assert.ElementsMatch(t, []string{"x/notes.txt", "y/notes.txt"}, sources)
		})
	}
}

func TestRAGService_FailedRebuildRollsBackCorpus(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyEmbedder{inner: NewHashEmbedder(128)}
	svc, files := newTestRAGWith(t, t.TempDir(), flaky, store.NewMemoryIndex(store.MetricCosine), "")

	_, err := svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "a.txt", Text: "The cat sat on the mat."})
	require.NoError(t, err)
	_, err = svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "b.txt", Text: "Dogs bark loudly at night."})
	require.NoError(t, err)

	// every embedding call fails from here on
	flaky.failures = flaky.calls + 1000

	_, err = svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "c.txt", Text: "Birds sing at dawn."})
	var embErr *models.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.NoFileExists(t, filepath.Join(files.Dir, "c.txt"))

	_, err = svc.IngestText(ctx, models.IngestDocumentRequest{Filename: "a.txt", Text: "The cat left."})
	require.ErrorAs(t, err, &embErr)
	content, err := os.ReadFile(filepath.Join(files.Dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "The cat sat on the mat.", string(content))

	_, err = svc.DeleteDocument(ctx, "b.txt")
	require.ErrorAs(t, err, &embErr)
	content, err = os.ReadFile(filepath.Join(files.Dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Dogs bark loudly at night.", string(content))

	paths, err := files.List()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(files.Dir, "a.txt"), filepath.Join(files.Dir, "b.txt")}, paths)

	count, err := svc.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// once the embedder recovers a reindex sees only the committed documents
	flaky.failures = 0
	n, err := svc.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
