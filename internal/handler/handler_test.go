package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/ingest"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/query"
)

// fakeExecutor returns canned responses per question.
type fakeExecutor struct {
	resp *query.Response
	err  error
}

func (f *fakeExecutor) Execute(_ context.Context, req query.Request) (*query.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.Answer = "answer to: " + req.Question
	return &resp, nil
}

func (f *fakeExecutor) ExecuteStream(_ context.Context, req query.Request, emit func(query.StreamEvent) error) error {
	if err := emit(query.StreamEvent{Type: "start"}); err != nil {
		return err
	}
	if err := emit(query.StreamEvent{Type: "content", Content: "partial"}); err != nil {
		return err
	}
	return emit(query.StreamEvent{Type: "done", Metadata: f.resp})
}

func baseResponse() *query.Response {
	return &query.Response{
		Answer:           "ok",
		Sources:          []query.Source{},
		Contexts:         []string{},
		LatencyBreakdown: map[string]float64{},
	}
}

func TestQueryHappyPath(t *testing.T) {
	h := Query(QueryDeps{Executor: &fakeExecutor{resp: baseResponse()}})

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"what is x","collection":"c1"}`))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp query.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "answer to: what is x" {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestQueryValidation(t *testing.T) {
	h := Query(QueryDeps{Executor: &fakeExecutor{resp: baseResponse()}})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing question", `{"collection":"c1"}`},
		{"missing collection", `{"question":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var body errorBody
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Error != "validation" || body.Timestamp == "" {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestQueryAdmissionDenialMapsTo429(t *testing.T) {
	denied := &query.DeniedError{Decision: admission.Decision{
		Allowed:           false,
		Reason:            admission.ReasonBurstExceeded,
		RetryAfterSeconds: 7,
	}}
	h := Query(QueryDeps{Executor: &fakeExecutor{err: denied}})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"x","collection":"c1"}`)))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Detail != admission.ReasonBurstExceeded || body.RetryAfter != 7 {
		t.Errorf("body = %+v", body)
	}
}

func TestQueryScopeDenialMapsTo403(t *testing.T) {
	denied := &query.DeniedError{Decision: admission.Decision{Reason: admission.ReasonScopeDenied}}
	h := Query(QueryDeps{Executor: &fakeExecutor{err: denied}})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"x","collection":"c1"}`)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestQueryNotFoundMapsTo404(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ingest.ErrCollectionNotFound)
	h := Query(QueryDeps{Executor: &fakeExecutor{err: err}})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"x","collection":"c1"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueryInternalMapsTo500(t *testing.T) {
	h := Query(QueryDeps{Executor: &fakeExecutor{err: errors.New("boom")}})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"question":"x","collection":"c1"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestQueryStreamEmitsSSE(t *testing.T) {
	h := QueryStream(QueryDeps{Executor: &fakeExecutor{resp: baseResponse()}})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query/stream", strings.NewReader(`{"question":"x","collection":"c1"}`)))

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`"type":"start"`, `"type":"content"`, `"type":"done"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %s: %s", want, body)
		}
	}
	if !strings.HasPrefix(body, "data: ") {
		t.Errorf("frames should be SSE data frames: %s", body)
	}
}

func TestQueryBatchPreservesOrder(t *testing.T) {
	h := QueryBatch(QueryDeps{Executor: &fakeExecutor{resp: baseResponse()}})

	body := `[{"question":"q0","collection":"c1"},{"question":"q1","collection":"c1"},{"question":"","collection":"c1"}]`
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/query/batch", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var results []struct {
		Response *query.Response `json:"response"`
		Error    *errorBody      `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len = %d, want 3", len(results))
	}
	if results[0].Response == nil || results[0].Response.Answer != "answer to: q0" {
		t.Errorf("result 0 = %+v", results[0])
	}
	if results[1].Response == nil || results[1].Response.Answer != "answer to: q1" {
		t.Errorf("result 1 = %+v", results[1])
	}
	if results[2].Error == nil || results[2].Error.Error != "validation" {
		t.Errorf("result 2 = %+v, want per-item validation error", results[2])
	}
}

// fakeCollections serves CollectionInfo.
type fakeCollections struct {
	col model.Collection
	err error
}

func (f *fakeCollections) CollectionInfo(context.Context, string) (model.Collection, error) {
	return f.col, f.err
}

func TestCollectionInfoHandler(t *testing.T) {
	deps := IngestDeps{Collections: &fakeCollections{col: model.Collection{
		Name: "c1", ModelID: "m", Dimension: 768, ChunkCount: 3, CreatedAt: time.Now(),
	}}}

	r := chi.NewRouter()
	r.Get("/collections/{collection}", CollectionInfo(deps))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/collections/c1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["chunk_count"].(float64) != 3 || body["model_id"] != "m" {
		t.Errorf("body = %v", body)
	}
}

func TestCollectionInfoNotFound(t *testing.T) {
	deps := IngestDeps{Collections: &fakeCollections{err: ingest.ErrCollectionNotFound}}
	r := chi.NewRouter()
	r.Get("/collections/{collection}", CollectionInfo(deps))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/collections/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// fakeDeleter serves DeleteSource.
type fakeDeleter struct {
	deleted    int
	collection string
	source     string
	version    string
}

func (f *fakeDeleter) DeleteBySource(_ context.Context, collection, source, version string) (int, error) {
	f.collection, f.source, f.version = collection, source, version
	return f.deleted, nil
}

func TestDeleteSourceHandler(t *testing.T) {
	deleter := &fakeDeleter{deleted: 4}
	r := chi.NewRouter()
	r.Delete("/collections/{collection}/sources/{source}", DeleteSource(IngestDeps{Deleter: deleter}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/collections/c1/sources/docA.md?version=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if deleter.collection != "c1" || deleter.source != "docA.md" || deleter.version != "2" {
		t.Errorf("deleter saw (%s, %s, %s)", deleter.collection, deleter.source, deleter.version)
	}
	var body map[string]int
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["deleted_documents"] != 4 {
		t.Errorf("body = %v", body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	okPing := pingFunc(func(context.Context) error { return nil })
	badPing := pingFunc(func(context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	Health(HealthDeps{Version: "test"})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Ready(HealthDeps{Checks: map[string]Pinger{"a": okPing, "b": okPing}})(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Ready(HealthDeps{Checks: map[string]Pinger{"a": okPing, "b": badPing}})(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded ready status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	Live()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d", rec.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
