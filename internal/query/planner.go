package query

import (
	"regexp"
	"strings"

	"github.com/veritex-ai/ragserve/internal/model"
)

// Planner classifies a query and derives the retrieval configuration: fusion
// weights, stage budgets, and the rerank/expansion gates.
type Planner struct{}

// NewPlanner creates a Planner.
func NewPlanner() *Planner { return &Planner{} }

var classPatterns = []struct {
	class    string
	patterns []*regexp.Regexp
}{
	{model.ClassFactual, []*regexp.Regexp{
		regexp.MustCompile(`\b(what|who|when|where|which|how many|how much)\b`),
		regexp.MustCompile(`\b(define|definition|meaning|explain)\b`),
		regexp.MustCompile(`\b(compare|difference|similar|versus|vs)\b`),
	}},
	{model.ClassProcedural, []*regexp.Regexp{
		regexp.MustCompile(`\b(how to|how do|steps|process|procedure|method)\b`),
		regexp.MustCompile(`\b(implement|create|build|develop|setup|configure)\b`),
		regexp.MustCompile(`\b(tutorial|guide|walkthrough|example)\b`),
	}},
	{model.ClassConceptual, []*regexp.Regexp{
		regexp.MustCompile(`\b(why|reason|cause|purpose|benefit|advantage)\b`),
		regexp.MustCompile(`\b(concept|theory|principle|idea|notion)\b`),
		regexp.MustCompile(`\b(understand|comprehend|learn|study)\b`),
	}},
	{model.ClassSearch, []*regexp.Regexp{
		regexp.MustCompile(`\b(find|search|look for|locate|discover)\b`),
		regexp.MustCompile(`\b(list|show|display|present)\b`),
		regexp.MustCompile(`\b(available|options|choices|alternatives)\b`),
	}},
}

// Base dense weight per class; lexical is the complement.
var baseDenseWeight = map[string]float64{
	model.ClassFactual:    0.60,
	model.ClassProcedural: 0.40,
	model.ClassConceptual: 0.70,
	model.ClassSearch:     0.30,
}

var retrieveKByClass = map[string]int{
	model.ClassFactual:    8,
	model.ClassProcedural: 12,
	model.ClassConceptual: 10,
	model.ClassSearch:     15,
}

var rerankKByClass = map[string]int{
	model.ClassFactual:    5,
	model.ClassProcedural: 8,
	model.ClassConceptual: 6,
	model.ClassSearch:     10,
}

var (
	technicalTokens   = []string{"api", "function", "method", "class", "code", "syntax"}
	connectiveTokens  = []string{"and", "or", "but", "however", "although", "while"}
	specificityTokens = []string{"specific", "exact", "precise", "detailed", "particular"}
	hedgingTokens     = []string{"maybe", "might", "could", "possibly"}
)

// Plan derives a QueryPlan from the raw query text.
func (p *Planner) Plan(query string) model.QueryPlan {
	lower := strings.ToLower(query)
	tokenCount := len(strings.Fields(lower))

	class := classify(lower)
	dense := baseDenseWeight[class]

	// Adjustments transfer weight between the two sides.
	if tokenCount > 10 {
		dense += 0.10
	} else if tokenCount < 5 {
		dense -= 0.10
	}
	if containsAnyWord(lower, technicalTokens) {
		dense -= 0.10
	}
	dense = clamp(dense, 0, 1)
	lexical := 1 - dense

	useRerank := tokenCount > 8 ||
		class == model.ClassFactual || class == model.ClassConceptual ||
		countPresentWords(lower, connectiveTokens) >= 2

	useExpansion := tokenCount < 4 ||
		class == model.ClassConceptual ||
		!containsAnyWord(lower, specificityTokens)

	confidence := 0.7
	if tokenCount > 5 {
		confidence += 0.1
	}
	if tokenCount > 10 {
		confidence += 0.1
	}
	if class == model.ClassFactual || class == model.ClassProcedural {
		confidence += 0.1
	}
	if containsAnyWord(lower, hedgingTokens) {
		confidence -= 0.2
	}

	return model.QueryPlan{
		QueryClass:     class,
		DenseWeight:    dense,
		LexicalWeight:  lexical,
		RetrieveK:      retrieveKByClass[class],
		RerankK:        rerankKByClass[class],
		UseRerank:      useRerank,
		UseExpansion:   useExpansion,
		PlanConfidence: clamp(confidence, 0, 1),
	}
}

// classify picks the pattern family with the most matches; ties (including
// zero matches everywhere) go to factual, which is listed first.
func classify(lower string) string {
	best := model.ClassFactual
	bestScore := 0
	for _, family := range classPatterns {
		score := 0
		for _, re := range family.patterns {
			if re.MatchString(lower) {
				score++
			}
		}
		if score > bestScore {
			best = family.class
			bestScore = score
		}
	}
	return best
}

func containsAnyWord(lower string, words []string) bool {
	return countPresentWords(lower, words) > 0
}

// countPresentWords counts how many of the given words appear in the query.
func countPresentWords(lower string, words []string) int {
	fields := make(map[string]struct{})
	for _, f := range strings.Fields(lower) {
		fields[strings.Trim(f, ".,;:!?()\"'")] = struct{}{}
	}
	count := 0
	for _, w := range words {
		if _, ok := fields[w]; ok {
			count++
		}
	}
	return count
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
