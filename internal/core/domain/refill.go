package domain

import "time"

// RefillAlert is derived on every query from order history plus a
// consumption model. It is never persisted, so it cannot go stale.
// DaysLeft is signed and goes negative once the supply is exhausted.
type RefillAlert struct {
	PatientID      string
	PatientName    string
	MedicineName   string
	DaysLeft       int
	ExhaustionDate time.Time
	Alert          bool
}
