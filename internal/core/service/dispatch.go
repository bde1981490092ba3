package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/core/domain"
	"github.com/curacare/fulfillment/internal/port"
)

// DispatchQueue is the durable-outbox side of the pipeline: committed
// orders are queued and delivered to the warehouse at least once, with
// idempotency claims keyed by order id. Delivery failure never rolls an
// order back; the order stays processing until an acknowledgement arrives
// or the reconciliation sweep re-queues it.
type DispatchQueue struct {
	notifier port.DispatchNotifier
	orders   port.OrderRepository
	cache    port.InventoryCache
	log      zerolog.Logger
	timeout  time.Duration

	queue chan domain.Order
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func NewDispatchQueue(
	notifier port.DispatchNotifier,
	orders port.OrderRepository,
	cache port.InventoryCache,
	queueSize int,
	timeout time.Duration,
	log zerolog.Logger,
) *DispatchQueue {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DispatchQueue{
		notifier: notifier,
		orders:   orders,
		cache:    cache,
		log:      log,
		timeout:  timeout,
		queue:    make(chan domain.Order, queueSize),
	}
}

// Enqueue hands an order to the workers without blocking. A full queue
// returns false; the order is still committed and will be found by the
// reconciliation sweep.
func (q *DispatchQueue) Enqueue(order domain.Order) bool {
	select {
	case q.queue <- order:
		return true
	default:
		return false
	}
}

// Start launches the worker pool.
func (q *DispatchQueue) Start(workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.workerLoop(id)
		}(i)
	}
}

// Close stops accepting orders and waits for in-flight deliveries.
func (q *DispatchQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.queue)
	})
	q.wg.Wait()
}

func (q *DispatchQueue) workerLoop(id int) {
	for order := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.deliver(ctx, id, order)
		cancel()
	}
}

// deliver attempts one notification. The claim is taken before sending so
// two workers racing on a re-queued order send at most once; a failed
// send releases the claim for the next sweep.
func (q *DispatchQueue) deliver(ctx context.Context, workerID int, order domain.Order) {
	claimKey := "dispatch:" + order.ID
	ok, err := q.cache.ClaimIdempotency(ctx, claimKey)
	if err != nil {
		q.log.Error().Err(err).Str("order_id", order.ID).Msg("idempotency claim failed, skipping delivery")
		return
	}
	if !ok {
		q.log.Debug().Str("order_id", order.ID).Msg("dispatch already claimed")
		return
	}

	ack, err := q.notifier.Dispatch(ctx, order)
	if err != nil {
		if relErr := q.cache.ReleaseIdempotency(ctx, claimKey); relErr != nil {
			q.log.Error().Err(relErr).Str("order_id", order.ID).Msg("failed to release dispatch claim")
		}
		q.log.Warn().Err(err).Int("worker", workerID).Str("order_id", order.ID).
			Str("trace_id", order.TraceID).Msg("dispatch failed, order left processing for reconciliation")
		return
	}

	if err := q.orders.MarkDispatched(ctx, order.ID, ack.DispatchRef); err != nil {
		q.log.Error().Err(err).Str("order_id", order.ID).Str("dispatch_ref", ack.DispatchRef).
			Msg("failed to record dispatch acknowledgement")
		return
	}
	q.log.Info().Int("worker", workerID).Str("order_id", order.ID).
		Str("dispatch_ref", ack.DispatchRef).Msg("order dispatched")
}

// Ack handles the fire-and-forget acknowledgement endpoint. Unknown orders
// are an error; repeated acks for the same order are not.
func (q *DispatchQueue) Ack(ctx context.Context, ack domain.DispatchAck) error {
	if ack.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if err := q.orders.MarkDispatched(ctx, ack.OrderID, ack.DispatchRef); err != nil {
		return fmt.Errorf("record ack for %s: %w", ack.OrderID, err)
	}
	return nil
}

// Reconcile re-queues processing orders that never got an acknowledgement.
// Crash recovery per design: a processing order without an ack is eligible
// for another delivery attempt, never invalid.
func (q *DispatchQueue) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := q.orders.ListUnacknowledged(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list unacknowledged: %w", err)
	}

	requeued := 0
	for _, order := range stale {
		if q.Enqueue(order) {
			requeued++
		}
	}
	if len(stale) > 0 {
		q.log.Info().Int("stale", len(stale)).Int("requeued", requeued).Msg("reconciliation sweep")
	}
	return requeued, nil
}
