package port

import "context"

// InventoryCache is the hot stock counter sitting in front of the durable
// ledger. Reservations are taken here first so concurrent requests for the
// last unit fail fast without touching the database.
type InventoryCache interface {
	// DecrementStock atomically decreases stock, returns false if insufficient
	DecrementStock(ctx context.Context, medicineID string, qty int) (bool, error)

	// IncrementStock restores stock (for rollback when the commit tx fails)
	IncrementStock(ctx context.Context, medicineID string, qty int) error

	// SetStock overwrites the counter, used when warming the cache from the catalog
	SetStock(ctx context.Context, medicineID string, qty int) error

	// ClaimIdempotency sets a one-shot key, returns false if already claimed
	ClaimIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a claim so a failed delivery can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
