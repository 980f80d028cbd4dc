package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/lexical"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// DenseSearcher is the slice of the vector store the retriever needs.
type DenseSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]vectorstore.Hit, error)
}

// LexicalSearcher is the slice of the lexical index the retriever needs.
type LexicalSearcher interface {
	Search(ctx context.Context, name, query string, k int, filter map[string]string) ([]lexical.Result, error)
}

// Retriever fans a query out to dense and lexical search, normalizes both
// score lists, and fuses them by chunk ID with the plan's weights.
type Retriever struct {
	dense   DenseSearcher
	lex     LexicalSearcher // nil = dense-only
	cache   *cache.Cache    // nil = no vector-hits cache
}

// NewRetriever creates a Retriever.
func NewRetriever(dense DenseSearcher, lex LexicalSearcher, c *cache.Cache) *Retriever {
	return &Retriever{dense: dense, lex: lex, cache: c}
}

// Retrieve returns at most plan.RetrieveK fused candidates. The second result
// is true when the lexical side was unavailable and the query fell back to
// dense-only; a dense failure fails the query.
func (r *Retriever) Retrieve(ctx context.Context, queryFP, collection, queryText string, queryVec []float32, plan model.QueryPlan, filter map[string]string, hybrid bool) ([]model.Candidate, bool, error) {
	if r.cache != nil {
		if cands, ok := r.cache.GetVectorHits(ctx, queryFP); ok {
			return cands, false, nil
		}
	}

	fanOut := 2 * plan.RetrieveK

	var (
		denseHits  []vectorstore.Hit
		lexResults []lexical.Result
		lexErr     error
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseHits, err = r.dense.Search(gCtx, collection, queryVec, fanOut, filter)
		if err != nil {
			return fmt.Errorf("query.Retrieve: dense search: %w", err)
		}
		return nil
	})
	if hybrid && r.lex != nil && queryText != "" {
		g.Go(func() error {
			// Lexical unavailability degrades to dense-only; never fail the
			// group from here.
			lexResults, lexErr = r.lex.Search(gCtx, collection, queryText, fanOut, filter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	lexicalDegraded := lexErr != nil
	if lexicalDegraded {
		slog.Warn("lexical search unavailable, dense-only fallback", "collection", collection, "error", lexErr)
		lexResults = nil
	}

	cands := fuse(denseHits, lexResults, plan)
	if len(cands) > plan.RetrieveK {
		cands = cands[:plan.RetrieveK]
	}

	if r.cache != nil && !lexicalDegraded {
		r.cache.SetVectorHits(ctx, queryFP, collection, cands)
	}
	return cands, lexicalDegraded, nil
}

// fuse min–max normalizes each side independently and combines by chunk ID
// with the plan's weights; an absent side contributes 0.
func fuse(denseHits []vectorstore.Hit, lexResults []lexical.Result, plan model.QueryPlan) []model.Candidate {
	byID := make(map[string]*model.Candidate)

	denseScores := make([]float64, len(denseHits))
	for i, h := range denseHits {
		denseScores[i] = h.Score
	}
	for i, norm := range minMaxNormalize(denseScores) {
		h := denseHits[i]
		byID[h.ID] = &model.Candidate{
			ChunkID:    h.ID,
			Text:       h.Payload[vectorstore.PayloadText],
			Metadata:   h.Payload,
			DenseScore: norm,
			FromDense:  true,
		}
	}

	lexScores := make([]float64, len(lexResults))
	for i, r := range lexResults {
		lexScores[i] = r.Score
	}
	for i, norm := range minMaxNormalize(lexScores) {
		lr := lexResults[i]
		if c, ok := byID[lr.ID]; ok {
			c.LexicalScore = norm
			c.FromLexical = true
			continue
		}
		byID[lr.ID] = &model.Candidate{
			ChunkID: lr.ID,
			Text:    lr.Text,
			Metadata: map[string]string{
				vectorstore.PayloadSource:       lr.Source,
				vectorstore.PayloadSectionTitle: lr.SectionTitle,
				vectorstore.PayloadPage:         fmt.Sprintf("%d", lr.Page),
			},
			LexicalScore: norm,
			FromLexical:  true,
		}
	}

	out := make([]model.Candidate, 0, len(byID))
	for _, c := range byID {
		c.FusedScore = plan.DenseWeight*c.DenseScore + plan.LexicalWeight*c.LexicalScore
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// minMaxNormalize maps scores to [0,1]; a degenerate range (max == min) maps
// everything to 0.
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(scores))
	if max == min {
		return out
	}
	for i, s := range scores {
		out[i] = (s - min) / (max - min)
	}
	return out
}
