package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/rerank"
	"github.com/veritex-ai/ragserve/internal/tokens"
	"github.com/veritex-ai/ragserve/internal/trace"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

type orchEmbedder struct{ err error }

func (o *orchEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if o.err != nil {
		return nil, o.err
	}
	return []float32{1, 0}, nil
}

// slowLLM delays before answering; used for deadline tests.
type slowLLM struct {
	delay    time.Duration
	response string
}

func (s *slowLLM) Complete(ctx context.Context, _, _ string, _ int) (string, int, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	case <-time.After(s.delay):
		return s.response, 10, nil
	}
}

func (s *slowLLM) Stream(ctx context.Context, system, user string, maxTokens int, onDelta func(string) error) (string, error) {
	text, _, err := s.Complete(ctx, system, user, maxTokens)
	if err != nil {
		return "", err
	}
	return text, onDelta(text)
}

func testController() *admission.Controller {
	c := admission.New(admission.Config{GlobalCapacity: 100})
	c.Register(model.ClientQuota{
		ClientID:      "client-1",
		RPM:           1000,
		RPH:           10000,
		MaxConcurrent: 10,
		Burst:         1000,
		Scopes:        []string{model.ScopeQuery, model.ScopeIngest},
		Active:        true,
	})
	return c
}

func testOrchestrator(llm ChatClient, dense DenseSearcher, deadline time.Duration, c *cache.Cache) *Orchestrator {
	counter := tokens.NewCounter("gpt-4o-mini")
	answerer := NewAnswerer(llm, counter, AnswererConfig{MaxTokens: 256, MaxContextTokens: 4000})
	retriever := NewRetriever(dense, nil, nil)
	return NewOrchestrator(
		testController(),
		NewPlanner(),
		&orchEmbedder{},
		retriever,
		rerank.New(nil, nil, 0),
		answerer,
		nil, // no expansion LLM
		c,
		trace.New(nil),
		deadline,
		20,
	)
}

func baseRequest() Request {
	return Request{
		ClientID:   "client-1",
		Question:   "what is alpha",
		Collection: "c1",
		UseHybrid:  true,
		UseRerank:  true,
		UsePlan:    true,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	dense := &mockDense{hits: []vectorstore.Hit{
		{ID: "a", Score: 0.9, Payload: map[string]string{vectorstore.PayloadText: "alpha text", vectorstore.PayloadSource: "a.md"}},
		{ID: "b", Score: 0.4, Payload: map[string]string{vectorstore.PayloadText: "beta text", vectorstore.PayloadSource: "b.md"}},
	}}
	o := testOrchestrator(&slowLLM{response: "Alpha is explained (Source 1)."}, dense, time.Minute, nil)

	resp, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Answer == "" || resp.DeadlineExceeded {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Sources) == 0 || resp.Sources[0].ChunkID != "a" {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if resp.QueryPlan == nil || resp.QueryPlan.QueryClass != model.ClassFactual {
		t.Errorf("plan = %+v", resp.QueryPlan)
	}
	if resp.SearchStrategy != "hybrid" {
		t.Errorf("strategy = %q", resp.SearchStrategy)
	}
	if _, ok := resp.LatencyBreakdown["retrieve"]; !ok {
		t.Errorf("latency breakdown missing retrieve: %v", resp.LatencyBreakdown)
	}
}

func TestExecuteAdmissionDenied(t *testing.T) {
	dense := &mockDense{}
	o := testOrchestrator(&slowLLM{response: "x"}, dense, time.Minute, nil)

	req := baseRequest()
	req.ClientID = "unknown"
	_, err := o.Execute(context.Background(), req)

	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
	if denied.Decision.Allowed {
		t.Error("decision should be a denial")
	}
}

func TestExecuteReleasesAdmissionSlot(t *testing.T) {
	dense := &mockDense{hits: []vectorstore.Hit{
		{ID: "a", Score: 0.9, Payload: map[string]string{vectorstore.PayloadText: "alpha"}},
	}}
	controller := testController()
	counter := tokens.NewCounter("gpt-4o-mini")
	o := NewOrchestrator(controller, NewPlanner(), &orchEmbedder{},
		NewRetriever(dense, nil, nil), rerank.New(nil, nil, 0),
		NewAnswerer(&slowLLM{response: "ok (Source 1)"}, counter, AnswererConfig{}),
		nil, nil, trace.New(nil), time.Minute, 20)

	if _, err := o.Execute(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := controller.InFlight("client-1"); n != 0 {
		t.Errorf("in-flight after request = %d, want 0", n)
	}
}

func TestExecuteDeadlinePartial(t *testing.T) {
	dense := &mockDense{hits: []vectorstore.Hit{
		{ID: "a", Score: 0.9, Payload: map[string]string{vectorstore.PayloadText: "alpha", vectorstore.PayloadSource: "a.md"}},
		{ID: "b", Score: 0.5, Payload: map[string]string{vectorstore.PayloadText: "beta", vectorstore.PayloadSource: "b.md"}},
	}}
	// The LLM takes 300 ms; the request deadline is 100 ms.
	o := testOrchestrator(&slowLLM{delay: 300 * time.Millisecond, response: "late"}, dense, 100*time.Millisecond, nil)

	resp, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.DeadlineExceeded {
		t.Fatal("expected deadline_exceeded partial")
	}
	if resp.Answer != "insufficient time" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(resp.Sources) == 0 {
		t.Error("partial should carry the sources gathered so far")
	}
}

func TestExecuteEmptyCandidates(t *testing.T) {
	o := testOrchestrator(&slowLLM{response: "x"}, &mockDense{}, time.Minute, nil)
	resp, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Confidence != 0 || len(resp.Sources) != 0 {
		t.Errorf("resp = %+v, want empty no-result response", resp)
	}
}

func TestExecuteAnswerCache(t *testing.T) {
	dense := &mockDense{hits: []vectorstore.Hit{
		{ID: "a", Score: 0.9, Payload: map[string]string{vectorstore.PayloadText: "alpha"}},
	}}
	c := cache.New(cache.NewMemoryStore(), cache.TTLs{Answer: time.Hour, VectorHits: time.Hour})
	o := testOrchestrator(&slowLLM{response: "cached answer (Source 1)"}, dense, time.Minute, c)

	first, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if first.Cached {
		t.Error("first response should not be cached")
	}

	second, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !second.Cached {
		t.Error("second response should come from the answer cache")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer %q differs from original %q", second.Answer, first.Answer)
	}
}

func TestExecuteStreamEvents(t *testing.T) {
	dense := &mockDense{hits: []vectorstore.Hit{
		{ID: "a", Score: 0.9, Payload: map[string]string{vectorstore.PayloadText: "alpha", vectorstore.PayloadSource: "a.md"}},
	}}
	o := testOrchestrator(&slowLLM{response: "streamed (Source 1)"}, dense, time.Minute, nil)

	var types []string
	var metadata *Response
	err := o.ExecuteStream(context.Background(), baseRequest(), func(ev StreamEvent) error {
		types = append(types, ev.Type)
		if ev.Type == "done" {
			metadata = ev.Metadata
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if len(types) < 3 || types[0] != "start" || types[len(types)-1] != "done" {
		t.Errorf("event types = %v", types)
	}
	if metadata == nil || len(metadata.Sources) == 0 {
		t.Errorf("done metadata = %+v", metadata)
	}
}
