package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/store"
)

// fuse merges the dense and lexical candidate lists into one scored union.
func (r *Retriever) fuse(dense, lexical []store.SearchHit) []*Result {
	now := time.Now()
	byID := make(map[uuid.UUID]*Result)
	var order []uuid.UUID

	upsert := func(hit store.SearchHit) *Result {
		if res, ok := byID[hit.ChunkID]; ok {
			return res
		}
		res := &Result{
			SearchHit:    hit,
			RecencyScore: RecencyScore(hit.ModifiedTime, now, r.cfg.HalfLifeDays),
		}
		byID[hit.ChunkID] = res
		order = append(order, hit.ChunkID)
		return res
	}

	for _, hit := range dense {
		upsert(hit).DenseScore = clamp01(hit.Score)
	}

	// Lexical ts_rank is unbounded; normalize by the max returned score.
	var maxLexical float64
	for _, hit := range lexical {
		if hit.Score > maxLexical {
			maxLexical = hit.Score
		}
	}
	for _, hit := range lexical {
		res := upsert(hit)
		if maxLexical > 0 {
			res.LexicalScore = clamp01(hit.Score / maxLexical)
		}
	}

	results := make([]*Result, 0, len(order))
	for _, id := range order {
		results = append(results, byID[id])
	}

	switch r.cfg.Mode {
	case "rrf":
		r.fuseRRF(results, dense, lexical, byID)
	default:
		for _, res := range results {
			res.Combined = r.cfg.DenseWeight*res.DenseScore +
				r.cfg.LexicalWeight*res.LexicalScore +
				r.cfg.RecencyWeight*res.RecencyScore
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Combined > results[j].Combined
	})
	return results
}

// fuseRRF scores by reciprocal rank across the dense, lexical, and recency
// orderings: sum of 1/(k+rank) per signal the chunk appears in.
func (r *Retriever) fuseRRF(results []*Result, dense, lexical []store.SearchHit, byID map[uuid.UUID]*Result) {
	for rank, hit := range dense {
		byID[hit.ChunkID].Combined += 1.0 / float64(RRFConstant+rank+1)
	}
	for rank, hit := range lexical {
		byID[hit.ChunkID].Combined += 1.0 / float64(RRFConstant+rank+1)
	}

	byRecency := make([]*Result, len(results))
	copy(byRecency, results)
	sort.SliceStable(byRecency, func(i, j int) bool {
		return byRecency[i].RecencyScore > byRecency[j].RecencyScore
	})
	for rank, res := range byRecency {
		res.Combined += 1.0 / float64(RRFConstant+rank+1)
	}
}

// RecencyScore decays with file age: exp(-ln2 * age_days / half_life).
// Unknown modification times score 0.5; future times score 1.
func RecencyScore(modified *time.Time, now time.Time, halfLifeDays float64) float64 {
	if modified == nil || modified.IsZero() {
		return 0.5
	}
	ageDays := now.Sub(*modified).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
