package query

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/tokens"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// mockLLM returns a canned completion and records the prompts it saw.
type mockLLM struct {
	response string
	err      error
	system   string
	user     string
}

func (m *mockLLM) Complete(_ context.Context, system, user string, _ int) (string, int, error) {
	m.system, m.user = system, user
	if m.err != nil {
		return "", 0, m.err
	}
	return m.response, len(strings.Fields(m.response)), nil
}

func (m *mockLLM) Stream(_ context.Context, system, user string, _ int, onDelta func(string) error) (string, error) {
	m.system, m.user = system, user
	if m.err != nil {
		return "", m.err
	}
	for _, word := range strings.SplitAfter(m.response, " ") {
		if err := onDelta(word); err != nil {
			return "", err
		}
	}
	return m.response, nil
}

func candidate(id, source, text string, fused float64) model.Candidate {
	return model.Candidate{
		ChunkID:    id,
		Text:       text,
		FusedScore: fused,
		Metadata: map[string]string{
			vectorstore.PayloadSource:       source,
			vectorstore.PayloadSectionTitle: "Section",
			vectorstore.PayloadPage:         "1",
		},
	}
}

func testAnswerer(llm ChatClient, cfg AnswererConfig) *Answerer {
	return NewAnswerer(llm, tokens.NewCounter("gpt-4o-mini"), cfg)
}

func TestAnswerWithCitations(t *testing.T) {
	llm := &mockLLM{response: "The capital is Paris (Source 1). It has been so since 987 (Source 2)."}
	a := testAnswerer(llm, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000, RequireCitations: true})

	cands := []model.Candidate{
		candidate("c1", "france.md", "Paris is the capital of France.", 0.9),
		candidate("c2", "history.md", "Paris became the capital in 987.", 0.7),
	}
	answer, err := a.Answer(context.Background(), "what is the capital of France", cands, 0.8)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Refused {
		t.Fatalf("unexpected refusal: %s", answer.RefusalReason)
	}
	if len(answer.Citations) != 2 {
		t.Fatalf("citations = %+v, want 2", answer.Citations)
	}
	if answer.Citations[0].ChunkID != "c1" || answer.Citations[1].ChunkID != "c2" {
		t.Errorf("citation chunk IDs = %+v", answer.Citations)
	}
	// Confidence: min(1, 0.9 + 0.05·2 + 0.1·0.8) = 1.0 → capped.
	if math.Abs(answer.Confidence-1.0) > 1e-9 {
		t.Errorf("confidence = %v, want 1.0", answer.Confidence)
	}

	// Prompt contains enumerated sources and grounding rules.
	if !strings.Contains(llm.user, "Source 1") || !strings.Contains(llm.user, "france.md") {
		t.Error("user prompt missing source enumeration")
	}
	if !strings.Contains(llm.system, "Source N") {
		t.Error("system prompt missing citation instruction")
	}
}

func TestAnswerRefusesWithoutCitations(t *testing.T) {
	llm := &mockLLM{response: "Paris, obviously."}
	a := testAnswerer(llm, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000, RequireCitations: true})

	answer, err := a.Answer(context.Background(), "q", []model.Candidate{candidate("c1", "a.md", "text", 0.9)}, 0.5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !answer.Refused || !strings.Contains(answer.RefusalReason, "citations") {
		t.Errorf("answer = %+v, want citation refusal", answer)
	}
}

func TestAnswerRefusesOutOfRangeCitation(t *testing.T) {
	llm := &mockLLM{response: "Wrong (Source 9)."}
	a := testAnswerer(llm, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000, RequireCitations: true})

	answer, _ := a.Answer(context.Background(), "q", []model.Candidate{candidate("c1", "a.md", "text", 0.9)}, 0.5)
	if !answer.Refused || !strings.Contains(answer.RefusalReason, "out of range") {
		t.Errorf("answer = %+v, want out-of-range refusal", answer)
	}
}

func TestAnswerRefusesHedging(t *testing.T) {
	llm := &mockLLM{response: "It is possible that the answer is Paris (Source 1)."}
	a := testAnswerer(llm, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000, ForbidUnverifiable: true})

	answer, _ := a.Answer(context.Background(), "q", []model.Candidate{candidate("c1", "a.md", "text", 0.9)}, 0.5)
	if !answer.Refused || !strings.Contains(answer.RefusalReason, "hedging") {
		t.Errorf("answer = %+v, want hedging refusal", answer)
	}
}

func TestAnswerSurfacesProviderError(t *testing.T) {
	llm := &mockLLM{err: errors.New("provider down")}
	a := testAnswerer(llm, AnswererConfig{})
	if _, err := a.Answer(context.Background(), "q", nil, 0.5); err == nil {
		t.Error("expected provider error to surface")
	}
}

func TestContextBudgetEvictsLowestFusedNeverTop(t *testing.T) {
	counter := tokens.NewCounter("gpt-4o-mini")
	a := NewAnswerer(&mockLLM{response: "ok (Source 1)"}, counter, AnswererConfig{
		MaxTokens:        256,
		MaxContextTokens: counter.Count(strings.Repeat("filler words here ", 40)) + 200,
	})

	long := strings.Repeat("filler words here ", 40)
	cands := []model.Candidate{
		candidate("top", "a.md", long, 0.9),
		candidate("mid", "b.md", long, 0.5),
		candidate("low", "c.md", long, 0.1),
	}
	shown := a.fitContextBudget("question", cands)

	if shown[0].ChunkID != "top" {
		t.Fatal("top candidate must never be evicted")
	}
	for _, c := range shown {
		if c.ChunkID == "low" && len(shown) > 1 {
			t.Error("lowest-fused candidate should be evicted first")
		}
	}
	if len(shown) >= 3 {
		t.Errorf("expected eviction, still %d candidates", len(shown))
	}
}

func TestContextBudgetTrimsSingleOversizedTop(t *testing.T) {
	counter := tokens.NewCounter("gpt-4o-mini")
	a := NewAnswerer(&mockLLM{}, counter, AnswererConfig{MaxTokens: 128, MaxContextTokens: 300})

	huge := strings.Repeat("many repeated words in this text ", 200)
	shown := a.fitContextBudget("q", []model.Candidate{candidate("top", "a.md", huge, 0.9)})
	if len(shown) != 1 {
		t.Fatalf("len = %d, want 1", len(shown))
	}
	if counter.Count(shown[0].Text) >= counter.Count(huge) {
		t.Error("oversized top candidate should be trimmed")
	}
}

func TestAnswerStreamForwardsDeltas(t *testing.T) {
	llm := &mockLLM{response: "Paris is the capital (Source 1)."}
	a := testAnswerer(llm, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000})

	var got strings.Builder
	answer, err := a.AnswerStream(context.Background(), "q",
		[]model.Candidate{candidate("c1", "a.md", "Paris is the capital.", 0.9)}, 0.5,
		func(delta string) error {
			got.WriteString(delta)
			return nil
		})
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}
	if got.String() != llm.response {
		t.Errorf("streamed %q, want %q", got.String(), llm.response)
	}
	if len(answer.Citations) != 1 {
		t.Errorf("citations = %+v", answer.Citations)
	}
}

func TestConfidenceFormula(t *testing.T) {
	cands := []model.Candidate{
		candidate("c1", "a.md", "x", 0.4),
		candidate("c2", "b.md", "x", 0.3),
	}
	// 0.4 + 0.05·2 + 0.1·0.5 = 0.55
	if got := confidence(cands, 0.5); math.Abs(got-0.55) > 1e-9 {
		t.Errorf("confidence = %v, want 0.55", got)
	}
	if got := confidence(nil, 0.5); got != 0 {
		t.Errorf("empty confidence = %v, want 0", got)
	}
}
