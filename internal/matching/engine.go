package matching

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
)

const (
	DefaultThreshold = 0.6
	DefaultTopK      = 3
)

// Match is an accepted candidate.
type Match struct {
	Owner   uuid.UUID
	PointID uuid.UUID
	Score   float32
}

// Engine finds the best candidate for a query embedding in one collection.
// A candidate is accepted when its score is in [threshold, 1].
type Engine struct {
	index     index.Index
	threshold float32
	topK      int
}

func NewEngine(idx index.Index, threshold float64, topK int) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Engine{index: idx, threshold: float32(threshold), topK: topK}
}

func (e *Engine) Threshold() float32 { return e.threshold }

// Accepts reports whether a similarity score clears the threshold.
func (e *Engine) Accepts(score float32) bool {
	return score >= e.threshold
}

// FindBestMatch queries the top-k neighbours of query in collection and
// returns the single best one if it clears the threshold. With excludeUnowned
// set, points without an owner are filtered out by the index before the top-k
// cut, so unowned neighbours never hide an owned candidate.
func (e *Engine) FindBestMatch(ctx context.Context, query []float32, c index.Collection, excludeUnowned bool) (*Match, error) {
	if norm(query) == 0 {
		return nil, nil
	}

	hits, err := e.index.Search(ctx, c, query, index.Filter{OwnedOnly: excludeUnowned}, e.topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	best := Best(hits)
	if !e.Accepts(best.Score) {
		return nil, nil
	}
	return &Match{Owner: best.Owner, PointID: best.PointID, Score: best.Score}, nil
}

// Compare scores query against a single reference embedding. ok is false for
// zero-norm or mismatched vectors and for scores below the threshold.
func (e *Engine) Compare(query, reference []float32) (score float32, ok bool) {
	score, valid := CosineSimilarity(query, reference)
	if !valid {
		return 0, false
	}
	return score, e.Accepts(score)
}

// Best picks the highest scoring hit. Exact ties go to the smallest owner id,
// then the smallest point id, so repeated runs agree.
func Best(hits []index.Hit) index.Hit {
	sorted := append([]index.Hit(nil), hits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.PointID[:], b.PointID[:]) < 0
	})
	return sorted[0]
}

// CosineSimilarity returns dot(a,b)/(|a||b|). valid is false when the vectors
// differ in length, are empty, or either has zero norm.
func CosineSimilarity(a, b []float32) (sim float32, valid bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), true
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// ClampSimilarity maps a cosine score into the [0, 1] range stored on faces.
// Rounding can push a normalised score marginally past 1.
func ClampSimilarity(score float32) float32 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
