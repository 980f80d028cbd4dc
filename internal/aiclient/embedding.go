package aiclient

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// EmbeddingClient produces dense vectors via the provider's embeddings API.
// Input order is preserved; requests are split into batches of at most
// batchSize texts; transient failures retry with exponential backoff.
type EmbeddingClient struct {
	client    openai.Client
	model     string
	dimension int
	batchSize int
}

// NewEmbeddingClient creates an EmbeddingClient. baseURL may be empty for the
// provider default.
func NewEmbeddingClient(apiKey, baseURL, model string, dimension, batchSize int) *EmbeddingClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &EmbeddingClient{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
	}
}

// Model returns the embedding model identifier.
func (c *EmbeddingClient) Model() string { return c.model }

// Dimension returns the configured vector dimensionality.
func (c *EmbeddingClient) Dimension() int { return c.dimension }

// EmbedBatch embeds texts in order, batching as needed. Every returned vector
// is L2-normalized and dimension-checked.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vectors, err := withRetry(ctx, "embed_batch", func() ([][]float32, error) {
			return c.embed(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("aiclient.EmbedBatch: batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}

	if len(all) != len(texts) {
		return nil, fmt.Errorf("aiclient.EmbedBatch: got %d vectors for %d texts", len(all), len(texts))
	}
	return all, nil
}

// EmbedQuery embeds a single query string.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *EmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, emb := range resp.Data {
		idx := int(emb.Index)
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", idx)
		}
		vec := make([]float32, len(emb.Embedding))
		for j, v := range emb.Embedding {
			vec[j] = float32(v)
		}
		if c.dimension > 0 && len(vec) != c.dimension {
			return nil, fmt.Errorf("vector %d has %d dimensions, want %d", idx, len(vec), c.dimension)
		}
		out[idx] = L2Normalize(vec)
	}
	return out, nil
}

// L2Normalize scales a vector to unit length. A zero vector is returned
// unchanged.
func L2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
