package service

import (
	"context"

	"github.com/curacare/fulfillment/internal/core/domain"
	"github.com/curacare/fulfillment/internal/port"
)

// GateResult is the outcome of the prescription-requirement check.
// Satisfied is true only when the caller supplied proof of an on-file
// prescription; the gate never infers consent.
type GateResult struct {
	Required  bool   `json:"required"`
	Satisfied bool   `json:"satisfied"`
	Message   string `json:"message"`
}

// SafetyGate decides whether an order on a medicine may proceed. It has no
// side effects and is idempotent.
type SafetyGate struct {
	catalog port.CatalogRepository
}

func NewSafetyGate(catalog port.CatalogRepository) *SafetyGate {
	return &SafetyGate{catalog: catalog}
}

// CheckPrescription reads the medicine's prescription flag and combines it
// with the caller-supplied proof. Unknown medicines surface as
// domain.ErrMedicineNotFound.
func (g *SafetyGate) CheckPrescription(ctx context.Context, medicineID string, proofSupplied bool) (GateResult, error) {
	med, err := g.catalog.GetMedicine(ctx, medicineID)
	if err != nil {
		return GateResult{}, err
	}
	if med == nil {
		return GateResult{}, domain.ErrMedicineNotFound
	}

	if !med.PrescriptionRequired {
		return GateResult{
			Required:  false,
			Satisfied: true,
			Message:   "no prescription required (OTC)",
		}, nil
	}

	if proofSupplied {
		return GateResult{
			Required:  true,
			Satisfied: true,
			Message:   "prescription verified",
		}, nil
	}

	return GateResult{
		Required:  true,
		Satisfied: false,
		Message:   "prescription required but not on file",
	}, nil
}
