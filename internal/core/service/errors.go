package service

import (
	"errors"

	"github.com/curacare/fulfillment/internal/core/domain"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrNotConfirmable = errors.New("run is not awaiting confirmation")
	ErrNotCancellable = errors.New("run can no longer be cancelled")
)

// Rejection codes. These cross the API boundary, so they are stable strings
// rather than Go error values.
const (
	RejectValidation           = "validation_error"
	RejectPrescriptionRequired = "prescription_required"
	RejectInsufficientStock    = "insufficient_stock"
	RejectMedicineNotFound     = "medicine_not_found"
	RejectCancelled            = "cancelled"
)

// Rejection is the structured form every refusal takes. Rejections are
// returned inside results, never as errors crossing the orchestrator
// boundary, so the calling layer can render them without inspecting
// internal state.
type Rejection struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func rejectValidation(msg string) *Rejection {
	return &Rejection{Code: RejectValidation, Message: msg, Retryable: true}
}

// rejectionFor classifies a commit-path error into a structured rejection.
// Unclassified errors return nil and are surfaced as errors instead.
func rejectionFor(err error) *Rejection {
	switch {
	case errors.Is(err, domain.ErrMedicineNotFound):
		return &Rejection{Code: RejectMedicineNotFound, Message: "medicine not found", Retryable: true}
	case errors.Is(err, domain.ErrInsufficientStock):
		return &Rejection{Code: RejectInsufficientStock, Message: "insufficient stock", Retryable: true}
	default:
		return nil
	}
}
