package port

import (
	"context"
	"time"

	"github.com/curacare/fulfillment/internal/core/domain"
)

// CatalogRepository is read access to the medicine catalog. A missing
// medicine is reported as (nil, nil).
type CatalogRepository interface {
	GetMedicine(ctx context.Context, id string) (*domain.Medicine, error)

	// FindMedicineByName resolves a case-insensitive exact name match
	FindMedicineByName(ctx context.Context, name string) (*domain.Medicine, error)

	ListMedicines(ctx context.Context) ([]domain.Medicine, error)

	// ListLowStock returns medicines below their reorder threshold
	ListLowStock(ctx context.Context) ([]domain.Medicine, error)
}

// PatientRepository is read-only patient identity access.
type PatientRepository interface {
	GetPatient(ctx context.Context, id string) (*domain.Patient, error)
}

// OrderRepository is the append-only order ledger.
type OrderRepository interface {
	// CommitOrder atomically verifies and decrements catalog stock and
	// appends the order in one transaction. It fills in TotalPrice from
	// the unit price observed inside that transaction. Fails with
	// domain.ErrInsufficientStock or domain.ErrMedicineNotFound, in which
	// case nothing is written.
	CommitOrder(ctx context.Context, order *domain.Order) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrdersByPatient returns the patient's orders, newest first
	ListOrdersByPatient(ctx context.Context, patientID string) ([]domain.Order, error)

	// MarkDispatched records a dispatch acknowledgement. Idempotent: an
	// order that already left processing is left untouched.
	MarkDispatched(ctx context.Context, orderID, dispatchRef string) error

	// ListUnacknowledged returns processing orders created before cutoff
	// that have no dispatch reference, for the reconciliation sweep.
	ListUnacknowledged(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
}
