package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/tokens"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// ChatClient is the slice of the LLM client the answerer needs.
type ChatClient interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, int, error)
	Stream(ctx context.Context, system, user string, maxTokens int, onDelta func(delta string) error) (string, error)
}

// AnswererConfig carries generation limits and guardrails.
type AnswererConfig struct {
	MaxTokens          int
	MaxContextTokens   int
	RequireCitations   bool
	ForbidUnverifiable bool
}

// Answerer assembles grounded prompts, generates (buffered or streamed), and
// validates the result. Validation failures surface as structured refusals,
// never as errors.
type Answerer struct {
	llm     ChatClient
	counter *tokens.Counter
	cfg     AnswererConfig
}

// NewAnswerer creates an Answerer.
func NewAnswerer(llm ChatClient, counter *tokens.Counter, cfg AnswererConfig) *Answerer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 6000
	}
	return &Answerer{llm: llm, counter: counter, cfg: cfg}
}

var citationRe = regexp.MustCompile(`\bSource\s+(\d+)\b`)

// Hedging phrasings rejected under forbid_unverifiable.
var hedgingPhrases = []string{
	"it is possible that",
	"it's possible that",
	"might be",
	"may be",
	"perhaps",
	"probably",
	"i believe",
	"i think",
	"presumably",
}

const systemPrompt = `You are a document question-answering assistant.
Rules:
- Answer only from the provided sources. Never use outside knowledge or speculate.
- Cite every factual claim with its source marker, written exactly as "Source N".
- If the sources do not contain enough evidence to answer, say so explicitly and stop.
- State facts directly; do not hedge.
- Keep the answer within %d tokens.`

// Answer generates a buffered answer over the candidate set.
func (a *Answerer) Answer(ctx context.Context, question string, cands []model.Candidate, planConfidence float64) (*model.Answer, error) {
	shown := a.fitContextBudget(question, cands)
	system := fmt.Sprintf(systemPrompt, a.cfg.MaxTokens)
	user := buildUserPrompt(question, shown)

	text, tokensUsed, err := a.llm.Complete(ctx, system, user, a.cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("query.Answer: %w", err)
	}
	if tokensUsed == 0 {
		tokensUsed = a.counter.Count(text)
	}

	answer := a.finalize(text, tokensUsed, shown, planConfidence)
	return answer, nil
}

// AnswerStream generates with token forwarding. Validation is best-effort on
// the accumulated text; the returned Answer carries the trailing metadata.
func (a *Answerer) AnswerStream(ctx context.Context, question string, cands []model.Candidate, planConfidence float64, onDelta func(delta string) error) (*model.Answer, error) {
	shown := a.fitContextBudget(question, cands)
	system := fmt.Sprintf(systemPrompt, a.cfg.MaxTokens)
	user := buildUserPrompt(question, shown)

	full, err := a.llm.Stream(ctx, system, user, a.cfg.MaxTokens, onDelta)
	if err != nil {
		return nil, fmt.Errorf("query.AnswerStream: %w", err)
	}

	answer := a.finalize(full, a.counter.Count(full), shown, planConfidence)
	return answer, nil
}

// finalize validates the generation and computes citations and confidence.
func (a *Answerer) finalize(text string, tokensUsed int, shown []model.Candidate, planConfidence float64) *model.Answer {
	citations := extractCitations(text, shown)

	if reason := a.validate(text, tokensUsed, citations, len(shown)); reason != "" {
		return &model.Answer{
			Text:          "I can't provide a reliable answer from the available sources.",
			Citations:     []model.Citation{},
			Refused:       true,
			RefusalReason: reason,
			TokenCount:    tokensUsed,
		}
	}

	return &model.Answer{
		Text:       text,
		Citations:  citations,
		Confidence: confidence(shown, planConfidence),
		TokenCount: tokensUsed,
	}
}

func (a *Answerer) validate(text string, tokensUsed int, citations []model.Citation, shownCount int) string {
	if tokensUsed > a.cfg.MaxTokens {
		return fmt.Sprintf("response exceeded the %d token cap", a.cfg.MaxTokens)
	}
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		idx := parseInt(m[1])
		if idx < 1 || idx > shownCount {
			return fmt.Sprintf("citation Source %d is out of range", idx)
		}
	}
	if a.cfg.RequireCitations && shownCount > 0 && len(citations) == 0 {
		return "response contains no citations"
	}
	if a.cfg.ForbidUnverifiable {
		lower := strings.ToLower(text)
		for _, phrase := range hedgingPhrases {
			if strings.Contains(lower, phrase) {
				return fmt.Sprintf("response contains hedging language (%q)", phrase)
			}
		}
	}
	return ""
}

// fitContextBudget truncates the candidate set so the full prompt stays under
// MaxContextTokens. Eviction removes the lowest-fused candidates first,
// longest first among equals; the top candidate is never evicted, only
// trimmed as a last resort.
func (a *Answerer) fitContextBudget(question string, cands []model.Candidate) []model.Candidate {
	if len(cands) == 0 {
		return cands
	}
	shown := make([]model.Candidate, len(cands))
	copy(shown, cands)

	overhead := a.counter.Count(question) + a.counter.Count(fmt.Sprintf(systemPrompt, a.cfg.MaxTokens)) + 64

	total := func() int {
		sum := overhead
		for _, c := range shown {
			sum += a.counter.Count(c.Text) + 16 // per-source framing
		}
		return sum
	}

	for total() > a.cfg.MaxContextTokens && len(shown) > 1 {
		// Eviction order: lowest fused first, longest text first among ties.
		evict := -1
		for i := 1; i < len(shown); i++ { // index 0 (top candidate) is immune
			if evict == -1 {
				evict = i
				continue
			}
			if shown[i].FusedScore < shown[evict].FusedScore ||
				(shown[i].FusedScore == shown[evict].FusedScore && len(shown[i].Text) > len(shown[evict].Text)) {
				evict = i
			}
		}
		shown = append(shown[:evict], shown[evict+1:]...)
	}

	// Last resort: a single oversized top candidate is trimmed to fit.
	if len(shown) == 1 && total() > a.cfg.MaxContextTokens {
		budget := a.cfg.MaxContextTokens - overhead - 16
		if budget > 0 {
			shown[0].Text = trimToTokens(a.counter, shown[0].Text, budget)
		}
	}
	return shown
}

func trimToTokens(counter *tokens.Counter, text string, budget int) string {
	if counter.Count(text) <= budget {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}

// buildUserPrompt enumerates the sources 1..K with their provenance.
func buildUserPrompt(question string, shown []model.Candidate) string {
	var sb strings.Builder

	sb.WriteString("=== SOURCES ===\n")
	for i, c := range shown {
		sb.WriteString(fmt.Sprintf("Source %d (source: %s, section: %s, page: %s, relevance: %.2f)\n%s\n\n",
			i+1,
			c.Metadata[vectorstore.PayloadSource],
			c.Metadata[vectorstore.PayloadSectionTitle],
			orDefault(c.Metadata[vectorstore.PayloadPage], "-"),
			c.FusedScore,
			c.Text,
		))
	}

	sb.WriteString("=== QUESTION ===\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer from the sources above, citing them as \"Source N\".")
	return sb.String()
}

// extractCitations maps "Source N" markers back to the shown candidates.
func extractCitations(text string, shown []model.Candidate) []model.Citation {
	seen := make(map[int]struct{})
	var citations []model.Citation
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		idx := parseInt(m[1])
		if idx < 1 || idx > len(shown) {
			continue
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		c := shown[idx-1]
		citations = append(citations, model.Citation{
			Index:        idx,
			ChunkID:      c.ChunkID,
			Source:       c.Metadata[vectorstore.PayloadSource],
			SectionTitle: c.Metadata[vectorstore.PayloadSectionTitle],
			Page:         parseInt(c.Metadata[vectorstore.PayloadPage]),
			Relevance:    c.FusedScore,
		})
	}
	sort.Slice(citations, func(i, j int) bool { return citations[i].Index < citations[j].Index })
	return citations
}

// confidence per the pipeline formula:
// min(1, top_fused + 0.05·min(4, unique_sources) + 0.1·plan_confidence).
func confidence(shown []model.Candidate, planConfidence float64) float64 {
	if len(shown) == 0 {
		return 0
	}
	topFused := shown[0].FusedScore

	sources := make(map[string]struct{})
	for _, c := range shown {
		if s := c.Metadata[vectorstore.PayloadSource]; s != "" {
			sources[s] = struct{}{}
		}
	}
	unique := len(sources)
	if unique > 4 {
		unique = 4
	}

	v := topFused + 0.05*float64(unique) + 0.1*planConfidence
	if v > 1 {
		v = 1
	}
	return v
}

func parseInt(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
