package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/fingerprint"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/rerank"
	"github.com/veritex-ai/ragserve/internal/trace"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// DeniedError carries an admission denial to the HTTP layer (429).
type DeniedError struct {
	Decision admission.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Decision.Reason)
}

// QueryEmbedder is the slice of the embedding client the orchestrator needs.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Request is one query-path request.
type Request struct {
	ClientID   string
	Question   string
	Collection string
	TopK       int
	UseHybrid  bool
	UseRerank  bool
	UseExpand  bool
	UsePlan    bool
	Filters    map[string]string
}

// Source is one provenance entry returned with an answer.
type Source struct {
	ChunkID      string  `json:"chunk_id"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"section_title,omitempty"`
	Page         string  `json:"page,omitempty"`
	Score        float64 `json:"score"`
}

// Response is the query-path result.
type Response struct {
	Answer            string             `json:"answer"`
	Sources           []Source           `json:"sources"`
	Contexts          []string           `json:"contexts"`
	Citations         []model.Citation   `json:"citations,omitempty"`
	Confidence        float64            `json:"confidence"`
	ProcessingSeconds float64            `json:"processing_time_seconds"`
	TokensUsed        int                `json:"tokens_used"`
	LatencyBreakdown  map[string]float64 `json:"latency_breakdown"`
	SearchStrategy    string             `json:"search_strategy"`
	QueryPlan         *model.QueryPlan   `json:"query_plan,omitempty"`
	DeadlineExceeded  bool               `json:"deadline_exceeded,omitempty"`
	Cached            bool               `json:"cached,omitempty"`
}

// StreamEvent is one frame of a streamed response.
type StreamEvent struct {
	Type     string    `json:"type"` // start | content | done | error
	Content  string    `json:"content,omitempty"`
	Metadata *Response `json:"metadata,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Orchestrator sequences the query pipeline:
// admission → plan → embed → retrieve → rerank → answer,
// each stage wrapped in a span and bounded by the request deadline.
type Orchestrator struct {
	admission *admission.Controller
	planner   *Planner
	embedder  QueryEmbedder
	retriever *Retriever
	reranker  *rerank.Reranker
	answerer  *Answerer
	llm       ChatClient // query expansion
	cache     *cache.Cache
	tracer    *trace.Tracer

	deadline        time.Duration
	maxQueryResults int
}

// NewOrchestrator wires the query pipeline together. cache and llm may be
// nil.
func NewOrchestrator(
	adm *admission.Controller,
	planner *Planner,
	embedder QueryEmbedder,
	retriever *Retriever,
	reranker *rerank.Reranker,
	answerer *Answerer,
	llm ChatClient,
	c *cache.Cache,
	tracer *trace.Tracer,
	deadline time.Duration,
	maxQueryResults int,
) *Orchestrator {
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Orchestrator{
		admission:       adm,
		planner:         planner,
		embedder:        embedder,
		retriever:       retriever,
		reranker:        reranker,
		answerer:        answerer,
		llm:             llm,
		cache:           c,
		tracer:          tracer,
		deadline:        deadline,
		maxQueryResults: maxQueryResults,
	}
}

// Execute runs the buffered query pipeline.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	return o.run(ctx, req, nil)
}

// ExecuteStream runs the pipeline forwarding events to emit. The final done
// event carries the response metadata.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req Request, emit func(StreamEvent) error) error {
	if err := emit(StreamEvent{Type: "start"}); err != nil {
		return err
	}
	resp, err := o.run(ctx, req, func(delta string) error {
		return emit(StreamEvent{Type: "content", Content: delta})
	})
	if err != nil {
		return emit(StreamEvent{Type: "error", Err: userFacing(err)})
	}
	return emit(StreamEvent{Type: "done", Metadata: resp})
}

func (o *Orchestrator) run(parent context.Context, req Request, onDelta func(string) error) (*Response, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(parent, o.deadline)
	defer cancel()
	ctx, tr := o.tracer.Start(ctx)
	ctx, root := tr.StartSpan(ctx, "query")
	defer root.Finish()

	// Stage 0: admission.
	_, admSpan := tr.StartSpan(ctx, "admission")
	decision, ticket := o.admission.Admit(req.ClientID, model.ScopeQuery)
	if !decision.Allowed {
		admSpan.SetTag("reason", decision.Reason)
		admSpan.Finish()
		return nil, &DeniedError{Decision: decision}
	}
	admSpan.Finish()
	defer ticket.Release()

	// Stage 1: plan.
	_, planSpan := tr.StartSpan(ctx, "plan")
	plan := o.planner.Plan(req.Question)
	if !req.UsePlan {
		plan = defaultPlan(plan)
	}
	if req.TopK > 0 {
		plan.RetrieveK = boundK(req.TopK, o.maxQueryResults)
		if plan.RerankK > plan.RetrieveK {
			plan.RerankK = plan.RetrieveK
		}
	}
	planSpan.SetTag("class", plan.QueryClass)
	planSpan.Finish()

	queryFP := fingerprint.QueryFingerprint(req.Question, req.Collection, req.Filters)

	// Answer cache serves buffered requests only. Its key covers the question,
	// collection and filters; top_k and the hybrid/rerank/expansion/planning
	// flags are not part of it.
	if o.cache != nil && onDelta == nil {
		if cached, ok := o.cache.GetAnswer(ctx, queryFP); ok {
			resp := o.respond(cached, nil, plan, "cached", start, tr)
			resp.Cached = true
			return resp, nil
		}
	}

	// Stage 2: query expansion (optional, best-effort).
	question := req.Question
	if req.UseExpand && plan.UseExpansion && o.llm != nil {
		expCtx, expSpan, expCancel := o.stage(ctx, tr, "expand", 5*time.Second)
		if expanded := o.expandQuery(expCtx, req.Question); expanded != "" {
			question = req.Question + "\n" + expanded
			expSpan.SetTag("expanded", "true")
		}
		expCancel()
		expSpan.Finish()
	}

	// Stage 3: embed the query.
	embedCtx, embedSpan, embedCancel := o.stage(ctx, tr, "embed_query", 10*time.Second)
	defer embedCancel()
	queryVec, err := o.embedder.EmbedQuery(embedCtx, question)
	if err != nil {
		embedSpan.Fail(err)
		embedSpan.Finish()
		if partial := o.partialOnDeadline(ctx, err, nil, plan, start, tr); partial != nil {
			return partial, nil
		}
		return nil, fmt.Errorf("query: embed: %w", err)
	}
	embedSpan.Finish()

	// Stage 4: retrieve.
	retrCtx, retrSpan, retrCancel := o.stage(ctx, tr, "retrieve", 15*time.Second)
	defer retrCancel()
	cands, lexDegraded, err := o.retriever.Retrieve(retrCtx, queryFP, req.Collection, req.Question, queryVec, plan, req.Filters, req.UseHybrid)
	if err != nil {
		retrSpan.Fail(err)
		retrSpan.Finish()
		if partial := o.partialOnDeadline(ctx, err, nil, plan, start, tr); partial != nil {
			return partial, nil
		}
		return nil, fmt.Errorf("query: retrieve: %w", err)
	}
	if lexDegraded {
		retrSpan.Degrade("lexical")
		retrSpan.SetTag("lexical", "unavailable")
	}
	retrSpan.SetTag("candidates", fmt.Sprintf("%d", len(cands)))
	retrSpan.Finish()

	strategy := searchStrategy(req.UseHybrid, lexDegraded)

	if len(cands) == 0 {
		answer := &model.Answer{
			Text:       "No relevant documents were found for this question.",
			Citations:  []model.Citation{},
			Confidence: 0,
		}
		return o.respond(answer, cands, plan, strategy, start, tr), nil
	}

	// Stage 5: rerank.
	shortlist := cands
	if req.UseRerank && plan.UseRerank && o.reranker.Enabled() {
		rrCtx, rrSpan, rrCancel := o.stage(ctx, tr, "rerank", 15*time.Second)
		reranked, applied := o.reranker.Rerank(rrCtx, queryFP, req.Collection, req.Question, cands, plan.RerankK)
		shortlist = reranked
		if !applied {
			rrSpan.Degrade("pass-through")
		}
		rrCancel()
		rrSpan.Finish()
	} else if len(shortlist) > plan.RerankK {
		shortlist = shortlist[:plan.RerankK]
	}

	// Deadline gate before the most expensive stage.
	if ctx.Err() != nil {
		return o.partial(shortlist, plan, strategy, start, tr), nil
	}

	// Stage 6: answer.
	genCtx, genSpan := tr.StartSpan(ctx, "generate")
	var answer *model.Answer
	if onDelta != nil {
		answer, err = o.answerer.AnswerStream(genCtx, req.Question, shortlist, plan.PlanConfidence, onDelta)
	} else {
		answer, err = o.answerer.Answer(genCtx, req.Question, shortlist, plan.PlanConfidence)
	}
	if err != nil {
		genSpan.Fail(err)
		genSpan.Finish()
		if partial := o.partialOnDeadline(ctx, err, shortlist, plan, start, tr); partial != nil {
			return partial, nil
		}
		return nil, fmt.Errorf("query: generate: %w", err)
	}
	genSpan.Finish()

	resp := o.respond(answer, shortlist, plan, strategy, start, tr)
	if o.cache != nil && onDelta == nil && !answer.Refused {
		o.cache.SetAnswer(ctx, queryFP, req.Collection, answer)
	}
	return resp, nil
}

// stage opens a span and bounds the stage to the smaller of its own budget
// and the remaining request deadline.
func (o *Orchestrator) stage(ctx context.Context, tr *trace.Trace, op string, budget time.Duration) (context.Context, *trace.Span, context.CancelFunc) {
	spanCtx, span := tr.StartSpan(ctx, op)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	spanCtx, cancel := context.WithTimeout(spanCtx, budget)
	return spanCtx, span, cancel
}

// expandQuery asks the LLM for a short reformulation to widen recall on
// sparse queries. Failures are ignored.
func (o *Orchestrator) expandQuery(ctx context.Context, question string) string {
	prompt := fmt.Sprintf("Rephrase the following search query using different words. Reply with the rephrased query only.\n\n%s", question)
	expanded, _, err := o.llm.Complete(ctx, "You rewrite search queries.", prompt, 48)
	if err != nil {
		slog.Warn("query expansion failed", "error", err)
		return ""
	}
	expanded = strings.TrimSpace(expanded)
	if expanded == "" || strings.EqualFold(expanded, question) {
		return ""
	}
	return expanded
}

// partialOnDeadline returns the deadline-exceeded partial when err (or the
// context) is a deadline error; otherwise nil.
func (o *Orchestrator) partialOnDeadline(ctx context.Context, err error, cands []model.Candidate, plan model.QueryPlan, start time.Time, tr *trace.Trace) *Response {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return o.partial(cands, plan, "partial", start, tr)
	}
	return nil
}

// partial is the best-effort response when the deadline ran out: the sources
// gathered so far with an explicit marker instead of an answer.
func (o *Orchestrator) partial(cands []model.Candidate, plan model.QueryPlan, strategy string, start time.Time, tr *trace.Trace) *Response {
	answer := &model.Answer{
		Text:             "insufficient time",
		Citations:        []model.Citation{},
		DeadlineExceeded: true,
	}
	resp := o.respond(answer, cands, plan, strategy, start, tr)
	resp.DeadlineExceeded = true
	return resp
}

func (o *Orchestrator) respond(answer *model.Answer, cands []model.Candidate, plan model.QueryPlan, strategy string, start time.Time, tr *trace.Trace) *Response {
	sources := make([]Source, 0, len(cands))
	contexts := make([]string, 0, len(cands))
	for _, c := range cands {
		sources = append(sources, Source{
			ChunkID:      c.ChunkID,
			Source:       c.Metadata[vectorstore.PayloadSource],
			SectionTitle: c.Metadata[vectorstore.PayloadSectionTitle],
			Page:         c.Metadata[vectorstore.PayloadPage],
			Score:        c.FusedScore,
		})
		contexts = append(contexts, c.Text)
	}

	answer.LatencyBreakdown = tr.Breakdown()
	return &Response{
		Answer:            answer.Text,
		Sources:           sources,
		Contexts:          contexts,
		Citations:         answer.Citations,
		Confidence:        answer.Confidence,
		ProcessingSeconds: time.Since(start).Seconds(),
		TokensUsed:        answer.TokenCount,
		LatencyBreakdown:  answer.LatencyBreakdown,
		SearchStrategy:    strategy,
		QueryPlan:         &plan,
		DeadlineExceeded:  answer.DeadlineExceeded,
	}
}

// defaultPlan neutralizes planning while keeping sane budgets.
func defaultPlan(p model.QueryPlan) model.QueryPlan {
	return model.QueryPlan{
		QueryClass:     p.QueryClass,
		DenseWeight:    0.5,
		LexicalWeight:  0.5,
		RetrieveK:      10,
		RerankK:        6,
		UseRerank:      true,
		UseExpansion:   false,
		PlanConfidence: p.PlanConfidence,
	}
}

func searchStrategy(hybrid, lexDegraded bool) string {
	switch {
	case !hybrid:
		return "dense"
	case lexDegraded:
		return "dense_fallback"
	default:
		return "hybrid"
	}
}

func boundK(k, max int) int {
	if max > 0 && k > max {
		return max
	}
	return k
}

func userFacing(err error) string {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Error()
	}
	return err.Error()
}
