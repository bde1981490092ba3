package domain

import "time"

// Span status values.
const (
	SpanStatusOK    = "ok"
	SpanStatusError = "error"
)

// TraceSpan is one recorded step of a pipeline run. All spans of a run
// share the run's trace id so an auditor can replay the whole sequence.
type TraceSpan struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Name      string            `json:"name"`
	Input     map[string]string `json:"input,omitempty"`
	Output    map[string]string `json:"output,omitempty"`
	Status    string            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
}
