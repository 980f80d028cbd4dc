// Package handler implements the HTTP surface: ingest, query, collection,
// and health endpoints. Handlers depend on narrow interfaces so tests supply
// hand-written fakes.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/aiclient"
	"github.com/veritex-ai/ragserve/internal/ingest"
	"github.com/veritex-ai/ragserve/internal/query"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, tag, detail string) {
	writeJSON(w, status, errorBody{
		Error:     tag,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeDenial maps an admission denial: scope denials are 403, everything
// else is 429 with a Retry-After header.
func writeDenial(w http.ResponseWriter, d admission.Decision) {
	if d.Reason == admission.ReasonScopeDenied {
		writeError(w, http.StatusForbidden, "scope_denied", "client lacks the required scope")
		return
	}
	if d.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "admission_denied",
		Detail:     d.Reason,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryAfter: d.RetryAfterSeconds,
	})
}

// mapError translates pipeline errors to status codes per the error policy.
func mapError(w http.ResponseWriter, err error) {
	var denied *query.DeniedError
	switch {
	case errors.As(err, &denied):
		writeDenial(w, denied.Decision)
	case errors.Is(err, ingest.ErrCollectionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ingest.ErrModelMismatch):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, aiclient.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "a model provider is unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
