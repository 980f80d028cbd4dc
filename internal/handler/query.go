package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/middleware"
	"github.com/veritex-ai/ragserve/internal/query"
)

// Executor is the slice of the orchestrator the query handlers need.
type Executor interface {
	Execute(ctx context.Context, req query.Request) (*query.Response, error)
	ExecuteStream(ctx context.Context, req query.Request, emit func(query.StreamEvent) error) error
}

// QueryDeps wires the query handlers.
type QueryDeps struct {
	Executor   Executor
	Admission  *admission.Controller // batch queue-depth tracking
	Metrics    stageObserver
	MaxBatch   int
}

type stageObserver interface {
	ObserveStages(breakdown map[string]float64)
}

// queryRequest is the JSON body of POST /query.
type queryRequest struct {
	Question          string `json:"question"`
	Collection        string `json:"collection"`
	TopK              int    `json:"top_k,omitempty"`
	UseHybrid         *bool  `json:"use_hybrid,omitempty"`
	UseReranking      *bool  `json:"use_reranking,omitempty"`
	UseQueryExpansion *bool  `json:"use_query_expansion,omitempty"`
	UsePlanning       *bool  `json:"use_planning,omitempty"`
}

func (q queryRequest) validate() error {
	if q.Question == "" {
		return fmt.Errorf("question is required")
	}
	if q.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	return nil
}

func (q queryRequest) toRequest(clientID string) query.Request {
	orDefaultTrue := func(v *bool) bool { return v == nil || *v }
	return query.Request{
		ClientID:   clientID,
		Question:   q.Question,
		Collection: q.Collection,
		TopK:       q.TopK,
		UseHybrid:  orDefaultTrue(q.UseHybrid),
		UseRerank:  orDefaultTrue(q.UseReranking),
		UseExpand:  orDefaultTrue(q.UseQueryExpansion),
		UsePlan:    orDefaultTrue(q.UsePlanning),
	}
}

// Query handles POST /query.
func Query(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body queryRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
		if err := body.validate(); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}

		resp, err := deps.Executor.Execute(r.Context(), body.toRequest(middleware.ClientIDFromContext(r.Context())))
		if err != nil {
			mapError(w, err)
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.ObserveStages(resp.LatencyBreakdown)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// QueryStream handles POST /query/stream with server-sent events carrying
// {"type":"start"}, {"type":"content",...}, {"type":"done",...} frames.
func QueryStream(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body queryRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
		if err := body.validate(); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		err := deps.Executor.ExecuteStream(r.Context(), body.toRequest(middleware.ClientIDFromContext(r.Context())),
			func(ev query.StreamEvent) error {
				raw, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
					return err
				}
				flusher.Flush()
				if ev.Type == "done" && deps.Metrics != nil && ev.Metadata != nil {
					deps.Metrics.ObserveStages(ev.Metadata.LatencyBreakdown)
				}
				return nil
			})
		if err != nil {
			// Too late for a status code; emit a terminal error frame.
			fmt.Fprintf(w, "data: {\"type\":\"error\",\"error\":%q}\n\n", err.Error())
			flusher.Flush()
		}
	}
}

// batchParallelism bounds concurrent batch items.
const batchParallelism = 4

// QueryBatch handles POST /query/batch; results preserve request order.
func QueryBatch(deps QueryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var bodies []queryRequest
		if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body: expected an array")
			return
		}
		if len(bodies) == 0 {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		if deps.MaxBatch > 0 && len(bodies) > deps.MaxBatch {
			writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("batch exceeds %d requests", deps.MaxBatch))
			return
		}

		clientID := middleware.ClientIDFromContext(r.Context())

		type batchItem struct {
			Response *query.Response `json:"response,omitempty"`
			Error    *errorBody      `json:"error,omitempty"`
		}
		results := make([]batchItem, len(bodies))

		g, gCtx := errgroup.WithContext(r.Context())
		g.SetLimit(batchParallelism)
		for i, body := range bodies {
			if deps.Admission != nil {
				deps.Admission.EnterQueue(clientID)
			}
			g.Go(func() error {
				defer func() {
					if deps.Admission != nil {
						deps.Admission.LeaveQueue(clientID)
					}
				}()
				if err := body.validate(); err != nil {
					results[i] = batchItem{Error: &errorBody{Error: "validation", Detail: err.Error()}}
					return nil
				}
				resp, err := deps.Executor.Execute(gCtx, body.toRequest(clientID))
				if err != nil {
					results[i] = batchItem{Error: &errorBody{Error: "query_failed", Detail: err.Error()}}
					return nil
				}
				results[i] = batchItem{Response: resp}
				return nil
			})
		}
		_ = g.Wait()

		writeJSON(w, http.StatusOK, results)
	}
}
