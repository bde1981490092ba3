// Package trace records per-step audit spans correlated by trace id.
package trace

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/core/domain"
)

// redactedKeys are attribute names that must never be stored or logged in
// a span. Input summaries are expected to carry identifiers only, but the
// recorder enforces it regardless of what callers pass.
var redactedKeys = map[string]bool{
	"email":        true,
	"name":         true,
	"patient_name": true,
	"history":      true,
}

// Recorder keeps an append-only, bounded in-memory span store and mirrors
// every span to the structured log. Recording never fails: a full store
// evicts the oldest trace.
type Recorder struct {
	log zerolog.Logger
	max int

	mu     sync.RWMutex
	spans  map[string][]domain.TraceSpan
	traces []string // insertion order, for eviction
}

func NewRecorder(log zerolog.Logger, maxTraces int) *Recorder {
	if maxTraces <= 0 {
		maxTraces = 10000
	}
	return &Recorder{
		log:   log,
		max:   maxTraces,
		spans: make(map[string][]domain.TraceSpan),
	}
}

func (r *Recorder) Record(span domain.TraceSpan) {
	span.Input = redact(span.Input)
	span.Output = redact(span.Output)

	r.mu.Lock()
	if _, seen := r.spans[span.TraceID]; !seen {
		r.traces = append(r.traces, span.TraceID)
		if len(r.traces) > r.max {
			oldest := r.traces[0]
			r.traces = r.traces[1:]
			delete(r.spans, oldest)
		}
	}
	r.spans[span.TraceID] = append(r.spans[span.TraceID], span)
	r.mu.Unlock()

	r.log.Info().
		Str("trace_id", span.TraceID).
		Str("span_id", span.SpanID).
		Str("step", span.Name).
		Str("status", span.Status).
		Dur("duration", span.EndTime.Sub(span.StartTime)).
		Fields(map[string]interface{}{"input": span.Input, "output": span.Output}).
		Msg("trace span")
}

func (r *Recorder) ListByTrace(traceID string) []domain.TraceSpan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spans := r.spans[traceID]
	out := make([]domain.TraceSpan, len(spans))
	copy(out, spans)
	return out
}

func redact(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if redactedKeys[k] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
