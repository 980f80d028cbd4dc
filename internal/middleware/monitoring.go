package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared across the service.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	ActiveRequests  prometheus.Gauge

	StageDuration     *prometheus.HistogramVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	AdmissionDenials  *prometheus.CounterVec
	IngestDocuments   prometheus.Counter
	IngestChunks      prometheus.Counter
	IngestDuplicates  prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "path"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total number of 4xx/5xx responses.",
			},
			[]string{"method", "path", "status"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_requests",
				Help: "Number of in-flight HTTP requests.",
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Query pipeline stage latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"stage"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Cache hits by family.",
			},
			[]string{"family"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Cache misses by family.",
			},
			[]string{"family"},
		),
		AdmissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_denials_total",
				Help: "Admission denials by reason.",
			},
			[]string{"reason"},
		),
		IngestDocuments: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ingest_documents_total", Help: "Documents ingested."},
		),
		IngestChunks: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ingest_chunks_total", Help: "Chunks created."},
		),
		IngestDuplicates: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ingest_duplicates_total", Help: "Duplicate chunks skipped."},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.ErrorsTotal, m.ActiveRequests,
		m.StageDuration, m.CacheHits, m.CacheMisses, m.AdmissionDenials,
		m.IngestDocuments, m.IngestChunks, m.IngestDuplicates,
	)
	return m
}

// Monitoring records request metrics around the handler chain.
func Monitoring(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			path := sanitizePath(r.URL.Path)
			code := strconv.Itoa(status)

			m.RequestsTotal.WithLabelValues(r.Method, path, code).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			m.ActiveRequests.Dec()
			if status >= 400 {
				m.ErrorsTotal.WithLabelValues(r.Method, path, code).Inc()
			}
		})
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveIngest records ingest outcome counters.
func (m *Metrics) ObserveIngest(documents, chunks, duplicates int) {
	if m == nil {
		return
	}
	m.IngestDocuments.Add(float64(documents))
	m.IngestChunks.Add(float64(chunks))
	m.IngestDuplicates.Add(float64(duplicates))
}

// ObserveStages records a latency breakdown (milliseconds per stage).
func (m *Metrics) ObserveStages(breakdown map[string]float64) {
	if m == nil {
		return
	}
	for stage, ms := range breakdown {
		m.StageDuration.WithLabelValues(stage).Observe(ms / 1000.0)
	}
}

// sanitizePath collapses path parameters to keep label cardinality bounded.
func sanitizePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 && parts[1] == "collections" {
		parts[2] = "{collection}"
		if len(parts) > 4 && parts[3] == "sources" {
			parts[4] = "{source}"
		}
	}
	return strings.Join(parts, "/")
}
