// Package rerank rescoring a retrieval shortlist with a more expensive
// pairwise scorer. Scores are cached per (query fingerprint, chunk) pair; a
// failing scorer degrades to pass-through instead of failing the query.
package rerank

import (
	"context"
	"log/slog"
	"sort"

	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/model"
)

// Final score blend: the pairwise score dominates, fusion keeps its say.
const (
	weightRerank = 0.6
	weightFused  = 0.4
)

// Scorer produces one relevance score in [0,1] per (query, text) pair,
// preserving input order.
type Scorer interface {
	ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
}

// Reranker reorders candidates by blended pairwise score. A nil scorer
// disables reranking entirely.
type Reranker struct {
	scorer    Scorer
	cache     *cache.Cache
	batchSize int
}

// New creates a Reranker. cache may be nil to disable score caching.
func New(scorer Scorer, c *cache.Cache, batchSize int) *Reranker {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Reranker{scorer: scorer, cache: c, batchSize: batchSize}
}

// Enabled reports whether a scorer is configured.
func (r *Reranker) Enabled() bool { return r != nil && r.scorer != nil }

// Rerank rescoring candidates and returns the top k by final score. The
// second return is false when the scorer was unavailable and the input order
// passed through unchanged.
func (r *Reranker) Rerank(ctx context.Context, queryFP, collection, query string, cands []model.Candidate, k int) ([]model.Candidate, bool) {
	if len(cands) == 0 {
		return cands, true
	}
	if !r.Enabled() {
		return truncate(cands, k), false
	}

	out := make([]model.Candidate, len(cands))
	copy(out, cands)

	// Cache pass.
	missIdx := make([]int, 0, len(out))
	for i := range out {
		if r.cache != nil {
			if score, ok := r.cache.GetRerankScore(ctx, queryFP, out[i].ChunkID); ok {
				out[i].RerankScore = score
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	// Score misses in batches.
	for start := 0; start < len(missIdx); start += r.batchSize {
		end := start + r.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = out[idx].Text
		}

		scores, err := r.scorer.ScorePairs(ctx, query, texts)
		if err != nil || len(scores) != len(texts) {
			slog.Warn("reranker unavailable, passing candidates through",
				"scorer", r.scorer.Name(),
				"error", err,
			)
			return truncate(cands, k), false
		}
		for j, idx := range batch {
			out[idx].RerankScore = scores[j]
			if r.cache != nil {
				r.cache.SetRerankScore(ctx, queryFP, out[idx].ChunkID, collection, scores[j])
			}
		}
	}

	for i := range out {
		out[i].FinalScore = weightRerank*out[i].RerankScore + weightFused*out[i].FusedScore
	}

	// Deterministic ordering: final desc, then fused desc, then chunk ID.
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})

	return truncate(out, k), true
}

func truncate(cands []model.Candidate, k int) []model.Candidate {
	if k > 0 && len(cands) > k {
		return cands[:k]
	}
	return cands
}
