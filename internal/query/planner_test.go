package query

import (
	"math"
	"testing"

	"github.com/veritex-ai/ragserve/internal/model"
)

func TestPlanClassification(t *testing.T) {
	p := NewPlanner()
	tests := []struct {
		query string
		want  string
	}{
		{"what is the capital of France", model.ClassFactual},
		{"how to configure the retry policy", model.ClassProcedural},
		{"why does the cache need invalidation", model.ClassConceptual},
		{"list the available storage backends", model.ClassSearch},
		{"zzzz qqqq", model.ClassFactual}, // no matches → factual
	}
	for _, tt := range tests {
		if got := p.Plan(tt.query).QueryClass; got != tt.want {
			t.Errorf("Plan(%q).QueryClass = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestPlanWeightsSumToOne(t *testing.T) {
	p := NewPlanner()
	queries := []string{
		"what is x",
		"how to build a very long pipeline with many stages and more words than ten",
		"find code api syntax examples",
		"why",
	}
	for _, q := range queries {
		plan := p.Plan(q)
		if sum := plan.DenseWeight + plan.LexicalWeight; math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("Plan(%q) weights sum to %v", q, sum)
		}
	}
}

func TestPlanShortFactualQuery(t *testing.T) {
	// "what is X": factual base 0.60/0.40, short-query shift → 0.50/0.50,
	// retrieve_k=8, rerank_k=5.
	plan := NewPlanner().Plan("what is X")
	if plan.QueryClass != model.ClassFactual {
		t.Fatalf("class = %q, want factual", plan.QueryClass)
	}
	if math.Abs(plan.DenseWeight-0.5) > 1e-9 || math.Abs(plan.LexicalWeight-0.5) > 1e-9 {
		t.Errorf("weights = (%v, %v), want (0.5, 0.5)", plan.DenseWeight, plan.LexicalWeight)
	}
	if plan.RetrieveK != 8 || plan.RerankK != 5 {
		t.Errorf("k = (%d, %d), want (8, 5)", plan.RetrieveK, plan.RerankK)
	}
}

func TestPlanLongQueryShiftsDense(t *testing.T) {
	// 12 tokens, procedural base 0.40 → +0.10 dense = 0.50.
	plan := NewPlanner().Plan("how to deploy the service into production with zero downtime and rollbacks")
	if plan.QueryClass != model.ClassProcedural {
		t.Fatalf("class = %q, want procedural", plan.QueryClass)
	}
	if math.Abs(plan.DenseWeight-0.5) > 1e-9 {
		t.Errorf("dense = %v, want 0.5", plan.DenseWeight)
	}
}

func TestPlanTechnicalTokensShiftLexical(t *testing.T) {
	// Conceptual base 0.70, 6 tokens (no length shift), technical → 0.60.
	plan := NewPlanner().Plan("why does the api function break")
	if plan.QueryClass != model.ClassConceptual {
		t.Fatalf("class = %q, want conceptual", plan.QueryClass)
	}
	if math.Abs(plan.DenseWeight-0.6) > 1e-9 {
		t.Errorf("dense = %v, want 0.6", plan.DenseWeight)
	}
}

func TestPlanRerankGate(t *testing.T) {
	p := NewPlanner()
	tests := []struct {
		query string
		want  bool
	}{
		{"what is x", true},                    // factual
		{"why do things decay", true},          // conceptual
		{"steps install", false},               // procedural, short, no connectives
		{"install it and test it or skip but verify", true}, // connectives
		{"one two three four five six seven eight nine tutorial", true}, // >8 tokens
	}
	for _, tt := range tests {
		if got := p.Plan(tt.query).UseRerank; got != tt.want {
			t.Errorf("Plan(%q).UseRerank = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestPlanExpansionGate(t *testing.T) {
	p := NewPlanner()
	if !p.Plan("hi there").UseExpansion {
		t.Error("short query should expand")
	}
	if !p.Plan("why is the sky blue").UseExpansion {
		t.Error("conceptual query should expand")
	}
	if p.Plan("show the exact detailed steps for installing the specific package version").UseExpansion {
		t.Error("specific long query should not expand")
	}
}

func TestPlanConfidence(t *testing.T) {
	p := NewPlanner()

	// Factual, 3 tokens: 0.7 + 0.1 (class) = 0.8.
	if got := p.Plan("what is x").PlanConfidence; math.Abs(got-0.8) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8", got)
	}

	// Hedging drops it by 0.2.
	if got := p.Plan("what maybe is x").PlanConfidence; math.Abs(got-0.6) > 1e-9 {
		t.Errorf("hedged confidence = %v, want 0.6", got)
	}

	// Long factual query: 0.7 + 0.1 + 0.1 + 0.1 = 1.0 (clamped).
	long := "what is the difference between the first approach and the second approach here"
	if got := p.Plan(long).PlanConfidence; got > 1.0 || math.Abs(got-1.0) > 1e-9 {
		t.Errorf("long confidence = %v, want 1.0", got)
	}
}

func TestPlanStageBudgets(t *testing.T) {
	p := NewPlanner()
	tests := []struct {
		query     string
		retrieveK int
		rerankK   int
	}{
		{"what is x", 8, 5},
		{"how to install", 12, 8},
		{"why is this the case", 10, 6},
		{"list everything available", 15, 10},
	}
	for _, tt := range tests {
		plan := p.Plan(tt.query)
		if plan.RetrieveK != tt.retrieveK || plan.RerankK != tt.rerankK {
			t.Errorf("Plan(%q) k = (%d, %d), want (%d, %d)", tt.query, plan.RetrieveK, plan.RerankK, tt.retrieveK, tt.rerankK)
		}
	}
}
