package rerank

import (
	"context"
	"fmt"
)

// embedder is the slice of the embedding client the cosine scorer needs.
type embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CosineScorer scores pairs by embedding cosine similarity. It is the
// in-process scorer: no extra service, one embedding call per batch. Vectors
// arrive unit-normalized from the embedding client, so the dot product is the
// cosine; scores are shifted into [0,1].
type CosineScorer struct {
	embedder embedder
}

// NewCosineScorer creates the in-process scorer.
func NewCosineScorer(e embedder) *CosineScorer {
	return &CosineScorer{embedder: e}
}

// Name identifies the scorer in logs and spans.
func (s *CosineScorer) Name() string { return "local_cross_encoder" }

// ScorePairs embeds the query and all texts, then scores each pair.
func (s *CosineScorer) ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	qvec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: embed query: %w", err)
	}
	dvecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: embed texts: %w", err)
	}

	scores := make([]float64, len(dvecs))
	for i, dvec := range dvecs {
		scores[i] = (dot(qvec, dvec) + 1) / 2
	}
	return scores, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
