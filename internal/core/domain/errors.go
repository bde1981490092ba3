package domain

import "errors"

// Shared failure modes. Adapters translate their backend-specific errors
// into these so the orchestrator can classify rejections without knowing
// which store is behind a port.
var (
	ErrMedicineNotFound  = errors.New("medicine not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)
