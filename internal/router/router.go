// Package router assembles the chi router from injected handler
// dependencies.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veritex-ai/ragserve/internal/handler"
	"github.com/veritex-ai/ragserve/internal/middleware"
)

// Dependencies holds everything the router mounts.
type Dependencies struct {
	APIKey         string
	MaxRequestSize int64
	Metrics        *middleware.Metrics
	MetricsReg     *prometheus.Registry

	QueryDeps  handler.QueryDeps
	IngestDeps handler.IngestDeps
	HealthDeps handler.HealthDeps
}

// New builds the router.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging)
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes.
	r.Get("/health", handler.Health(deps.HealthDeps))
	r.Get("/health/live", handler.Live())
	r.Get("/health/ready", handler.Ready(deps.HealthDeps))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Authenticated API.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(deps.APIKey))
		if deps.MaxRequestSize > 0 {
			r.Use(middleware.MaxBody(deps.MaxRequestSize))
		}

		// Ingest may run long; queries get a tighter write window. Streaming
		// is registered without a timeout.
		r.With(chimw.Timeout(5 * time.Minute)).Post("/ingest", handler.Ingest(deps.IngestDeps))
		r.With(chimw.Timeout(5 * time.Minute)).Post("/ingest/reindex_source", handler.Reindex(deps.IngestDeps))

		r.With(chimw.Timeout(30 * time.Second)).Delete("/collections/{collection}/sources/{source}", handler.DeleteSource(deps.IngestDeps))
		r.With(chimw.Timeout(10 * time.Second)).Get("/collections/{collection}", handler.CollectionInfo(deps.IngestDeps))

		r.With(chimw.Timeout(2 * time.Minute)).Post("/query", handler.Query(deps.QueryDeps))
		r.Post("/query/stream", handler.QueryStream(deps.QueryDeps))
		r.With(chimw.Timeout(5 * time.Minute)).Post("/query/batch", handler.QueryBatch(deps.QueryDeps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","detail":"route not found"}`))
	})

	return r
}
