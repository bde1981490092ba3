package port

import "github.com/curacare/fulfillment/internal/core/domain"

// TraceRecorder receives audit spans. Implementations must never block or
// fail the business operation; emission problems are swallowed and logged.
type TraceRecorder interface {
	Record(span domain.TraceSpan)
	ListByTrace(traceID string) []domain.TraceSpan
}
