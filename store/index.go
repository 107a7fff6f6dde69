// Package store holds the vector index backends used by the retriever.
package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github/itish2003/retrieval/models"
)

// Metric is the distance function an index ranks by.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// ParseMetric accepts "cosine" or "l2" (case insensitive).
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unknown metric %q: %w", s, models.ErrConfig)
	}
}

// ScoreKind describes the convention of the raw scores an index returns.
type ScoreKind int

const (
	// Distance scores are non-negative and lower is better.
	Distance ScoreKind = iota
	// SimilaritySigned scores are in [-1,1] and higher is better.
	SimilaritySigned
	// SimilarityUnit scores are in [0,1] and higher is better.
	SimilarityUnit
)

func (k ScoreKind) String() string {
	switch k {
	case Distance:
		return "distance"
	case SimilaritySigned:
		return "similarity[-1,1]"
	case SimilarityUnit:
		return "similarity[0,1]"
	default:
		return "unknown"
	}
}

// Filter restricts a search to entries whose metadata value for every
// field is one of the allowed values. It is applied before the
// nearest-neighbour selection. A field with no values is ignored.
type Filter map[string][]string

func (f Filter) matches(meta map[string]string) bool {
	for k, allowed := range f {
		if len(allowed) > 0 && !slices.Contains(allowed, meta[k]) {
			return false
		}
	}
	return true
}

// VectorIndex is the contract every backend honours. Search may be called
// concurrently once Build or Load has returned; Build, Persist and Load
// must be serialized by the caller.
type VectorIndex interface {
	Build(ctx context.Context, entries []models.IndexEntry) error
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]models.ScoredEntry, error)
	Persist(ctx context.Context, location string) error
	Load(ctx context.Context, location string) error
	Entries(ctx context.Context) ([]models.IndexEntry, error)
	Count(ctx context.Context) (int, error)
	ScoreKind() ScoreKind
	Close() error
}

// validateEntries checks the build input and returns the shared dimension.
func validateEntries(entries []models.IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("build index: %w", models.ErrEmptyInput)
	}
	dim := len(entries[0].Vector)
	if dim == 0 {
		return 0, fmt.Errorf("entry %s has an empty vector: %w", entries[0].ID, models.ErrConfig)
	}
	for _, e := range entries[1:] {
		if len(e.Vector) != dim {
			return 0, fmt.Errorf("entry %s has dimension %d, want %d: %w", e.ID, len(e.Vector), dim, models.ErrConfig)
		}
	}
	return dim, nil
}

func validateQuery(query []float32, k, dim int) error {
	if k < 1 {
		return fmt.Errorf("k must be >= 1, got %d: %w", k, models.ErrConfig)
	}
	if len(query) == 0 {
		return fmt.Errorf("empty query vector: %w", models.ErrConfig)
	}
	if dim > 0 && len(query) != dim {
		return fmt.Errorf("query dimension %d, index dimension %d: %w", len(query), dim, models.ErrConfig)
	}
	return nil
}

// rank scores every entry that passes the filter and keeps the k best in
// the metric's natural order.
func rank(entries []models.IndexEntry, query []float32, k int, filter Filter, metric Metric) []models.ScoredEntry {
	scored := make([]models.ScoredEntry, 0, len(entries))
	queryNorm := vectorNorm(query)
	for _, e := range entries {
		if len(filter) > 0 && !filter.matches(e.Metadata) {
			continue
		}
		var score float64
		if metric == MetricL2 {
			score = euclidean(query, e.Vector)
		} else {
			score = cosineSimilarity(query, e.Vector, queryNorm)
		}
		scored = append(scored, models.ScoredEntry{Entry: e, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if metric == MetricL2 {
			return scored[i].Score < scored[j].Score
		}
		return scored[i].Score > scored[j].Score
	})

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

func scoreKindFor(metric Metric) ScoreKind {
	if metric == MetricL2 {
		return Distance
	}
	return SimilaritySigned
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	if normA == 0 {
		return 0
	}
	normB := vectorNorm(b)
	if normB == 0 {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

func euclidean(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func vectorNorm(v []float32) float64 {
	sum := 0.0
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}

func copyEntries(entries []models.IndexEntry) []models.IndexEntry {
	out := make([]models.IndexEntry, len(entries))
	copy(out, entries)
	return out
}
