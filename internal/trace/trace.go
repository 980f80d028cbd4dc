// Package trace records per-request span trees. The orchestrator wraps each
// pipeline stage in a span; the finished tree backs the latency breakdown
// returned with every answer. When an OpenTelemetry tracer is configured the
// same spans are mirrored to it for export.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Span statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusDegraded = "degraded"
)

// Span is one timed operation within a request trace. Spans form a tree via
// ParentID.
type Span struct {
	TraceID  string            `json:"traceId"`
	SpanID   string            `json:"spanId"`
	ParentID string            `json:"parentId,omitempty"`
	Op       string            `json:"op"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Status   string            `json:"status"`
	Tags     map[string]string `json:"tags,omitempty"`

	trace *Trace
	otel  oteltrace.Span
}

// Trace collects the spans of a single request.
type Trace struct {
	ID string

	mu    sync.Mutex
	spans []*Span

	tracer oteltrace.Tracer
}

// Tracer creates request traces. A nil OTel tracer disables export; the
// in-process span tree is always recorded.
type Tracer struct {
	otel oteltrace.Tracer
}

// New creates a Tracer. otelTracer may be nil.
func New(otelTracer oteltrace.Tracer) *Tracer {
	return &Tracer{otel: otelTracer}
}

type spanCtxKey struct{}

// Start begins a new trace for one request.
func (t *Tracer) Start(ctx context.Context) (context.Context, *Trace) {
	tr := &Trace{
		ID:     uuid.NewString(),
		tracer: t.otel,
	}
	return ctx, tr
}

// StartSpan opens a span under the current span in ctx (or at the root) and
// returns a context carrying it as the new parent.
func (tr *Trace) StartSpan(ctx context.Context, op string) (context.Context, *Span) {
	parentID := ""
	if parent, ok := ctx.Value(spanCtxKey{}).(*Span); ok && parent != nil {
		parentID = parent.SpanID
	}

	s := &Span{
		TraceID:  tr.ID,
		SpanID:   uuid.NewString(),
		ParentID: parentID,
		Op:       op,
		Start:    time.Now(),
		Status:   StatusOK,
		trace:    tr,
	}

	if tr.tracer != nil {
		ctx, s.otel = tr.tracer.Start(ctx, op)
	}

	tr.mu.Lock()
	tr.spans = append(tr.spans, s)
	tr.mu.Unlock()

	return context.WithValue(ctx, spanCtxKey{}, s), s
}

// SetTag attaches a key/value annotation to the span.
func (s *Span) SetTag(key, value string) {
	s.trace.mu.Lock()
	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[key] = value
	s.trace.mu.Unlock()

	if s.otel != nil {
		s.otel.SetAttributes(attribute.String(key, value))
	}
}

// Fail marks the span failed and records the error message.
func (s *Span) Fail(err error) {
	s.trace.mu.Lock()
	s.Status = StatusError
	s.trace.mu.Unlock()
	if err != nil {
		s.SetTag("error", err.Error())
	}
}

// Degrade marks the span degraded (a fallback path was taken).
func (s *Span) Degrade(reason string) {
	s.trace.mu.Lock()
	s.Status = StatusDegraded
	s.trace.mu.Unlock()
	if reason != "" {
		s.SetTag("degraded", reason)
	}
}

// Finish closes the span. Finishing twice is a no-op.
func (s *Span) Finish() {
	s.trace.mu.Lock()
	if s.End.IsZero() {
		s.End = time.Now()
	}
	s.trace.mu.Unlock()
	if s.otel != nil {
		s.otel.End()
	}
}

// Duration returns the span's wall time; zero if the span is still open.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Spans returns a snapshot of all spans recorded so far.
func (tr *Trace) Spans() []Span {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Span, 0, len(tr.spans))
	for _, s := range tr.spans {
		out = append(out, *s)
	}
	return out
}

// Breakdown returns per-op wall times in milliseconds. Repeated ops
// accumulate.
func (tr *Trace) Breakdown() map[string]float64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make(map[string]float64, len(tr.spans))
	for _, s := range tr.spans {
		if s.End.IsZero() {
			continue
		}
		out[s.Op] += float64(s.End.Sub(s.Start).Microseconds()) / 1000.0
	}
	return out
}
