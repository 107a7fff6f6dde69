package services

import (
	"math"
	"sort"

	"github/itish2003/retrieval/models"
	"github/itish2003/retrieval/store"
)

// Normalize maps the raw scores of one query's results onto [0,1], higher
// is better, and returns them best first. Distance scores are inverted
// against the worst result and divided by the best inverted value, so the
// best match scores 1 and the worst 0. A flat result set scores 1
// throughout. Scores are only comparable within a single result set.
func Normalize(results []models.ScoredEntry, kind store.ScoreKind) []models.ScoredEntry {
	if len(results) == 0 {
		return nil
	}

	out := make([]models.ScoredEntry, len(results))
	copy(out, results)

	switch kind {
	case store.Distance:
		maxRaw := math.Inf(-1)
		for _, r := range out {
			maxRaw = math.Max(maxRaw, r.Score)
		}
		maxInverted := 0.0
		for _, r := range out {
			maxInverted = math.Max(maxInverted, maxRaw-r.Score)
		}
		for i := range out {
			if maxInverted == 0 {
				out[i].Score = 1
				continue
			}
			out[i].Score = (maxRaw - out[i].Score) / maxInverted
		}

	case store.SimilaritySigned:
		for i := range out {
			out[i].Score = clamp01((out[i].Score + 1) / 2)
		}

	default:
		for i := range out {
			out[i].Score = clamp01(out[i].Score)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
