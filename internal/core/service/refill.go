package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/curacare/fulfillment/internal/core/domain"
	"github.com/curacare/fulfillment/internal/port"
)

// DefaultDailyRate is the consumption model used when the catalog carries
// no richer dosage information: one unit per day.
const DefaultDailyRate = 1.0

const refillAlertDays = 2

// RefillPrediction is the exhaustion forecast for a single order.
type RefillPrediction struct {
	ExhaustionDate time.Time `json:"exhaustion_date"`
	DaysLeft       int       `json:"days_left"`
	Alert          bool      `json:"alert"`
}

// PredictRefill computes when the supply from one order runs out. The
// clock is an explicit parameter so identical inputs always yield
// identical output.
func PredictRefill(order domain.Order, dailyRate float64, now time.Time) RefillPrediction {
	if dailyRate <= 0 {
		dailyRate = DefaultDailyRate
	}
	daysCovered := float64(order.Qty) / dailyRate
	exhaustion := order.CreatedAt.Add(time.Duration(daysCovered * 24 * float64(time.Hour)))
	daysLeft := int(math.Ceil(exhaustion.Sub(now).Hours() / 24))
	return RefillPrediction{
		ExhaustionDate: exhaustion,
		DaysLeft:       daysLeft,
		Alert:          daysLeft <= refillAlertDays,
	}
}

// RefillService aggregates predictions over a patient's order history.
type RefillService struct {
	orders   port.OrderRepository
	catalog  port.CatalogRepository
	patients port.PatientRepository
}

func NewRefillService(orders port.OrderRepository, catalog port.CatalogRepository, patients port.PatientRepository) *RefillService {
	return &RefillService{orders: orders, catalog: catalog, patients: patients}
}

// AlertsForPatient recomputes the refill state for every medicine the
// patient has ordered. Only the most recent order per medicine counts as
// that medicine's current supply; older overlapping orders are ignored.
func (s *RefillService) AlertsForPatient(ctx context.Context, patientID string, now time.Time) ([]domain.RefillAlert, error) {
	patient, err := s.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if patient == nil {
		return nil, domain.ErrPatientNotFound
	}

	history, err := s.orders.ListOrdersByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load order history: %w", err)
	}

	seen := make(map[string]bool)
	var alerts []domain.RefillAlert
	for _, order := range history {
		if order.Status == domain.OrderStatusCancelled {
			continue
		}
		// history is newest first, so the first order per medicine wins
		if seen[order.MedicineID] {
			continue
		}
		seen[order.MedicineID] = true

		med, err := s.catalog.GetMedicine(ctx, order.MedicineID)
		if err != nil {
			return nil, fmt.Errorf("load medicine %s: %w", order.MedicineID, err)
		}
		if med == nil {
			continue
		}

		pred := PredictRefill(order, DefaultDailyRate, now)
		alerts = append(alerts, domain.RefillAlert{
			PatientID:      patientID,
			PatientName:    patient.Name,
			MedicineName:   med.Name,
			DaysLeft:       pred.DaysLeft,
			ExhaustionDate: pred.ExhaustionDate,
			Alert:          pred.Alert,
		})
	}
	return alerts, nil
}
