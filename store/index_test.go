package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github/itish2003/retrieval/models"
)

func sampleEntries() []models.IndexEntry {
	return []models.IndexEntry{
		{ID: "a", Source: "a.txt", Text: "alpha", Vector: []float32{1, 0}, Metadata: map[string]string{"source": "a.txt", "candidate_name": "Jane Doe"}},
		{ID: "b", Source: "b.txt", Text: "beta", Vector: []float32{0, 1}, Metadata: map[string]string{"source": "b.txt", "candidate_name": "John Roe"}},
		{ID: "c", Source: "c.txt", Text: "gamma", Vector: []float32{1, 1}, Metadata: map[string]string{"source": "c.txt", "candidate_name": "Jane Doe"}},
	}
}

// indexFactory builds a fresh backend rooted in dir.
type indexFactory func(t *testing.T, dir string, metric Metric) VectorIndex

func backends() map[string]indexFactory {
	return map[string]indexFactory{
		"memory": func(t *testing.T, dir string, metric Metric) VectorIndex {
			return NewMemoryIndex(metric)
		},
		"sqlite": func(t *testing.T, dir string, metric Metric) VectorIndex {
			idx, err := NewSQLiteIndex(filepath.Join(dir, "index.db"), metric)
			require.NoError(t, err)
			return idx
		},
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"cosine", MetricCosine, false},
		{"L2", MetricL2, false},
		{"", MetricCosine, false},
		{"dot", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMetric(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRank_CosineOrdersBySimilarity(t *testing.T) {
	got := rank(sampleEntries(), []float32{1, 0}, 3, nil, MetricCosine)

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Entry.ID)
	assert.Equal(t, "c", got[1].Entry.ID)
	assert.Equal(t, "b", got[2].Entry.ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestRank_L2OrdersByDistance(t *testing.T) {
	got := rank(sampleEntries(), []float32{0, 1}, 2, nil, MetricL2)

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Entry.ID)
	assert.InDelta(t, 0.0, got[0].Score, 1e-9)
	assert.Equal(t, "c", got[1].Entry.ID)
	assert.InDelta(t, 1.0, got[1].Score, 1e-9)
}

func TestRank_FilterAppliedBeforeTopK(t *testing.T) {
	// "b" is the nearest overall but excluded by the filter.
	got := rank(sampleEntries(), []float32{0, 1}, 1, Filter{"candidate_name": {"Jane Doe"}}, MetricCosine)

	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Entry.ID)
}

func TestFilter_Matches(t *testing.T) {
	meta := map[string]string{"candidate_name": "Jane Doe", "source": "a.txt"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"single value", Filter{"candidate_name": {"Jane Doe"}}, true},
		{"any of several values", Filter{"candidate_name": {"John Roe", "Jane Doe"}}, true},
		{"no allowed value", Filter{"candidate_name": {"John Roe"}}, false},
		{"every field must match", Filter{"candidate_name": {"Jane Doe"}, "source": {"b.txt"}}, false},
		{"empty value list is ignored", Filter{"candidate_name": nil}, true},
		{"missing field", Filter{"team": {"x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.matches(meta))
		})
	}
}

func TestVectorIndex_Contract(t *testing.T) {
	ctx := context.Background()

	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("build rejects empty input", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				err := idx.Build(ctx, nil)
				assert.True(t, errors.Is(err, models.ErrEmptyInput))
			})

			t.Run("build rejects mixed dimensions", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				entries := sampleEntries()
				entries[1].Vector = []float32{1, 2, 3}
				assert.ErrorIs(t, idx.Build(ctx, entries), models.ErrConfig)
			})

			t.Run("search k larger than index", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()[:2]))

				got, err := idx.Search(ctx, []float32{1, 0}, 5, nil)
				require.NoError(t, err)
				assert.Len(t, got, 2)
				assert.Equal(t, "a", got[0].Entry.ID)
			})

			t.Run("search rejects k below one", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))

				_, err := idx.Search(ctx, []float32{1, 0}, 0, nil)
				assert.ErrorIs(t, err, models.ErrConfig)
			})

			t.Run("search rejects wrong query dimension", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))

				_, err := idx.Search(ctx, []float32{1, 0, 0}, 1, nil)
				assert.ErrorIs(t, err, models.ErrConfig)
			})

			t.Run("search with filter", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))

				got, err := idx.Search(ctx, []float32{0, 1}, 3, Filter{"candidate_name": {"Jane Doe"}})
				require.NoError(t, err)
				require.Len(t, got, 2)
				for _, r := range got {
					assert.Equal(t, "Jane Doe", r.Entry.Metadata["candidate_name"])
				}
			})

			t.Run("search with several allowed values", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))

				got, err := idx.Search(ctx, []float32{0, 1}, 3, Filter{"candidate_name": {"Jane Doe", "John Roe"}})
				require.NoError(t, err)
				assert.Len(t, got, 3)
			})

			t.Run("rebuild replaces entries", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))
				require.NoError(t, idx.Build(ctx, sampleEntries()[:1]))

				n, err := idx.Count(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("persist and load round trip", func(t *testing.T) {
				dir := t.TempDir()
				idx := factory(t, dir, MetricL2)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, sampleEntries()))

				location := filepath.Join(dir, "snapshot")
				require.NoError(t, idx.Persist(ctx, location))

				loaded := factory(t, t.TempDir(), MetricCosine)
				defer loaded.Close()
				require.NoError(t, loaded.Load(ctx, location))

				assert.Equal(t, Distance, loaded.ScoreKind())
				entries, err := loaded.Entries(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, sampleEntries(), entries)

				got, err := loaded.Search(ctx, []float32{0, 1}, 1, nil)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "b", got[0].Entry.ID)
			})

			t.Run("load missing location", func(t *testing.T) {
				idx := factory(t, t.TempDir(), MetricCosine)
				defer idx.Close()
				err := idx.Load(ctx, filepath.Join(t.TempDir(), "missing"))
				assert.ErrorIs(t, err, models.ErrNotFound)
			})
		})
	}
}
