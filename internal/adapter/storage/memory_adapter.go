package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/curacare/fulfillment/internal/core/domain"
)

// MemoryAdapter is a mutex-guarded in-memory implementation of the catalog,
// patient and order ports. It backs unit tests and the sandbox mode of the
// server, where no MySQL instance is available.
type MemoryAdapter struct {
	mu        sync.Mutex
	medicines map[string]*domain.Medicine
	patients  map[string]*domain.Patient
	orders    []*domain.Order
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		medicines: make(map[string]*domain.Medicine),
		patients:  make(map[string]*domain.Patient),
	}
}

// Seed loads the demo dataset used by sandbox mode.
func (m *MemoryAdapter) Seed() {
	m.PutMedicine(domain.Medicine{ID: "MED001", Name: "Paracetamol", Category: "Analgesic", StockQty: 150, ReorderThreshold: 50, PrescriptionRequired: false, Dosage: "500mg", Unit: "Tablets", UnitPrice: 5.50})
	m.PutMedicine(domain.Medicine{ID: "MED002", Name: "Ibuprofen", Category: "NSAID", StockQty: 15, ReorderThreshold: 30, PrescriptionRequired: false, Dosage: "200mg", Unit: "Capsules", UnitPrice: 8.20})
	m.PutMedicine(domain.Medicine{ID: "MED003", Name: "Amoxicillin", Category: "Antibiotic", StockQty: 45, ReorderThreshold: 20, PrescriptionRequired: true, Dosage: "250mg", Unit: "Capsules", UnitPrice: 15.00})
	m.PutMedicine(domain.Medicine{ID: "MED004", Name: "Lisinopril", Category: "ACE Inhibitor", StockQty: 120, ReorderThreshold: 40, PrescriptionRequired: true, Dosage: "10mg", Unit: "Tablets", UnitPrice: 12.00})
	m.PutMedicine(domain.Medicine{ID: "MED005", Name: "Aspirin", Category: "Analgesic", StockQty: 8, ReorderThreshold: 25, PrescriptionRequired: false, Dosage: "81mg", Unit: "Tablets", UnitPrice: 4.00})

	m.PutPatient(domain.Patient{ID: "patient123", Name: "John Doe", Age: 45, MemberID: "CC-9988-AA", Email: "john.doe@example.com", History: []string{"Hypertension", "Seasonal Allergies", "Lower Back Pain"}})
	m.PutPatient(domain.Patient{ID: "patient456", Name: "Jane Smith", Age: 34, MemberID: "CC-5521-BB", Email: "jane.smith@example.com", History: []string{"Asthma"}})
}

func (m *MemoryAdapter) PutMedicine(med domain.Medicine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := med
	m.medicines[med.ID] = &cp
}

func (m *MemoryAdapter) PutPatient(p domain.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.patients[p.ID] = &cp
}

func (m *MemoryAdapter) GetMedicine(_ context.Context, id string) (*domain.Medicine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	med, ok := m.medicines[id]
	if !ok {
		return nil, nil
	}
	cp := *med
	return &cp, nil
}

func (m *MemoryAdapter) FindMedicineByName(_ context.Context, name string) (*domain.Medicine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, med := range m.medicines {
		if strings.EqualFold(med.Name, name) {
			cp := *med
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryAdapter) ListMedicines(_ context.Context) ([]domain.Medicine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meds := make([]domain.Medicine, 0, len(m.medicines))
	for _, med := range m.medicines {
		meds = append(meds, *med)
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].Name < meds[j].Name })
	return meds, nil
}

func (m *MemoryAdapter) ListLowStock(_ context.Context) ([]domain.Medicine, error) {
	meds, _ := m.ListMedicines(context.Background())
	low := meds[:0]
	for _, med := range meds {
		if med.LowStock() {
			low = append(low, med)
		}
	}
	return low, nil
}

func (m *MemoryAdapter) GetPatient(_ context.Context, id string) (*domain.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// CommitOrder mirrors the MySQL transaction: the stock check, the
// decrement, the price freeze and the append happen under one lock.
func (m *MemoryAdapter) CommitOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	med, ok := m.medicines[order.MedicineID]
	if !ok {
		return domain.ErrMedicineNotFound
	}
	if med.StockQty < order.Qty {
		return domain.ErrInsufficientStock
	}

	med.StockQty -= order.Qty
	order.TotalPrice = med.UnitPrice * float64(order.Qty)

	cp := *order
	m.orders = append(m.orders, &cp)
	return nil
}

func (m *MemoryAdapter) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryAdapter) ListOrdersByPatient(_ context.Context, patientID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []domain.Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (m *MemoryAdapter) MarkDispatched(_ context.Context, orderID, dispatchRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID {
			if o.Status == domain.OrderStatusProcessing {
				o.Status = domain.OrderStatusShipped
				o.DispatchRef = dispatchRef
				o.UpdatedAt = time.Now()
			}
			return nil
		}
	}
	return domain.ErrOrderNotFound
}

func (m *MemoryAdapter) ListUnacknowledged(_ context.Context, cutoff time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderStatusProcessing && o.DispatchRef == "" && o.CreatedAt.Before(cutoff) {
			stale = append(stale, *o)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	return stale, nil
}

// MemoryCache is the in-memory counterpart of the Redis stock counter.
type MemoryCache struct {
	mu     sync.Mutex
	stock  map[string]int
	claims map[string]bool
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		stock:  make(map[string]int),
		claims: make(map[string]bool),
	}
}

func (c *MemoryCache) DecrementStock(_ context.Context, medicineID string, qty int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stock[medicineID] >= qty {
		c.stock[medicineID] -= qty
		return true, nil
	}
	return false, nil
}

func (c *MemoryCache) IncrementStock(_ context.Context, medicineID string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[medicineID] += qty
	return nil
}

func (c *MemoryCache) SetStock(_ context.Context, medicineID string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[medicineID] = qty
	return nil
}

func (c *MemoryCache) GetStock(medicineID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[medicineID]
}

func (c *MemoryCache) ClaimIdempotency(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims[key] {
		return false, nil
	}
	c.claims[key] = true
	return true, nil
}

func (c *MemoryCache) ReleaseIdempotency(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
