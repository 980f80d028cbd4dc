package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteScorer calls an external rerank service speaking the common
// {query, documents[]} → {scores[]} JSON shape (Cohere-style, TEI-style).
type RemoteScorer struct {
	url    string
	model  string
	client *http.Client
}

// NewRemoteScorer creates a scorer against the service at url. model may be
// empty when the service has a single model.
func NewRemoteScorer(url, model string) *RemoteScorer {
	return &RemoteScorer{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name identifies the scorer in logs and spans.
func (s *RemoteScorer) Name() string { return "remote_service" }

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// ScorePairs posts the batch to the rerank service.
func (s *RemoteScorer) ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Model: s.model, Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank.ScorePairs: service returned %d", resp.StatusCode)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rerank.ScorePairs: decode: %w", err)
	}
	if len(out.Scores) != len(texts) {
		return nil, fmt.Errorf("rerank.ScorePairs: got %d scores for %d documents", len(out.Scores), len(texts))
	}
	return out.Scores, nil
}
