package domain

// Medicine is a catalog record. Stock is mutated only through the order
// commit path; the orchestrator never creates or deletes medicines.
type Medicine struct {
	ID                   string
	Name                 string
	Category             string
	StockQty             int
	ReorderThreshold     int
	PrescriptionRequired bool
	Dosage               string
	Unit                 string
	UnitPrice            float64
}

// LowStock reports whether the medicine should be flagged for restocking.
func (m Medicine) LowStock() bool {
	return m.StockQty < m.ReorderThreshold
}
