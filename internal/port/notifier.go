package port

import (
	"context"

	"github.com/curacare/fulfillment/internal/core/domain"
)

// DispatchNotifier tells a downstream fulfillment system that a committed
// order is ready for physical processing. Best effort: callers bound the
// context and treat failure as retryable, never as an order failure.
type DispatchNotifier interface {
	Dispatch(ctx context.Context, order domain.Order) (*domain.DispatchAck, error)
}
