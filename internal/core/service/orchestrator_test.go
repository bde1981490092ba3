package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/adapter/storage"
	"github.com/curacare/fulfillment/internal/core/domain"
)

// Mock TraceRecorder
type mockRecorder struct {
	mu    sync.Mutex
	spans []domain.TraceSpan
}

func (m *mockRecorder) Record(span domain.TraceSpan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, span)
}

func (m *mockRecorder) ListByTrace(traceID string) []domain.TraceSpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TraceSpan
	for _, s := range m.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

// Mock DispatchNotifier
type mockNotifier struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (m *mockNotifier) Dispatch(ctx context.Context, order domain.Order) (*domain.DispatchAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return nil, context.DeadlineExceeded
	}
	return &domain.DispatchAck{OrderID: order.ID, DispatchRef: "WH-TEST", Status: "dispatched"}, nil
}

type testEnv struct {
	orch     *Orchestrator
	store    *storage.MemoryAdapter
	cache    *storage.MemoryCache
	recorder *mockRecorder
	notifier *mockNotifier
	queue    *DispatchQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryAdapter()
	cache := storage.NewMemoryCache()
	recorder := &mockRecorder{}
	notif := &mockNotifier{}
	queue := NewDispatchQueue(notif, store, cache, 100, time.Second, zerolog.Nop())

	orch := NewOrchestrator(store, store, store, cache, recorder, queue,
		OrchestratorConfig{EstimatedDeliveryDays: 2, ConfirmTTL: time.Minute}, zerolog.Nop())

	return &testEnv{orch: orch, store: store, cache: cache, recorder: recorder, notifier: notif, queue: queue}
}

func (e *testEnv) addMedicine(ctx context.Context, med domain.Medicine) {
	e.store.PutMedicine(med)
	e.cache.SetStock(ctx, med.ID, med.StockQty)
}

func (e *testEnv) addPatient(p domain.Patient) {
	e.store.PutPatient(p)
}

func TestSubmit_OTCMedicineAwaitsConfirmation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if res.State != StateAwaitingConfirmation {
		t.Errorf("expected awaiting_confirmation, got %s", res.State)
	}
	if res.TotalPrice != 5.50 {
		t.Errorf("expected quote 5.50, got %.2f", res.TotalPrice)
	}
	if res.TraceID == "" {
		t.Error("expected minted trace id")
	}
}

func TestConfirm_CommitsOrderAndDecrementsStock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	res, err = env.orch.Confirm(ctx, res.TraceID, true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if res.State != StateDone {
		t.Errorf("expected done, got %s", res.State)
	}
	if res.OrderID == "" {
		t.Fatal("expected order id")
	}
	if res.OrderStatus != domain.OrderStatusProcessing {
		t.Errorf("expected processing, got %s", res.OrderStatus)
	}
	if res.TotalPrice != 5.50 {
		t.Errorf("expected total 5.50, got %.2f", res.TotalPrice)
	}
	if res.Refill == nil {
		t.Error("expected refill prediction on committed order")
	}

	med, _ := env.store.GetMedicine(ctx, "MED-X")
	if med.StockQty != 14 {
		t.Errorf("expected ledger stock 14, got %d", med.StockQty)
	}
	if got := env.cache.GetStock("MED-X"); got != 14 {
		t.Errorf("expected cache stock 14, got %d", got)
	}
}

func TestTotalPrice_FrozenAtCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 3})
	res, err := env.orch.Confirm(ctx, res.TraceID, true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	// Price change after commit must not touch the committed order.
	env.store.PutMedicine(domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 12, UnitPrice: 99.99})

	order, _ := env.store.GetOrder(ctx, res.OrderID)
	if order == nil {
		t.Fatal("order not found in ledger")
	}
	if order.TotalPrice != 3*5.50 {
		t.Errorf("expected frozen total %.2f, got %.2f", 3*5.50, order.TotalPrice)
	}
}

func TestSubmit_PrescriptionRequiredWithoutProofRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-RX", Name: "Amoxicillin", StockQty: 45, UnitPrice: 15.00, PrescriptionRequired: true})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-RX", Qty: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if res.State != StateRejected {
		t.Fatalf("expected rejected, got %s", res.State)
	}
	if res.Rejection == nil || res.Rejection.Code != RejectPrescriptionRequired {
		t.Errorf("expected prescription_required rejection, got %+v", res.Rejection)
	}

	orders, _ := env.store.ListOrdersByPatient(ctx, "p1")
	if len(orders) != 0 {
		t.Errorf("ledger must be unchanged, found %d orders", len(orders))
	}
}

func TestSubmit_ZeroStockRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-Z", Name: "Aspirin", StockQty: 0, UnitPrice: 4.00})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-Z", Qty: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if res.State != StateRejected {
		t.Fatalf("expected rejected, got %s", res.State)
	}
	if res.Rejection == nil || res.Rejection.Code != RejectInsufficientStock {
		t.Errorf("expected insufficient_stock rejection, got %+v", res.Rejection)
	}
}

func TestSubmit_UnknownMedicineRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "nope", Qty: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.State != StateRejected {
		t.Fatalf("expected rejected, got %s", res.State)
	}
	if res.Rejection.Code != RejectMedicineNotFound {
		t.Errorf("expected medicine_not_found, got %s", res.Rejection.Code)
	}
}

func TestSubmit_ResolvesMedicineByName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Ibuprofen", StockQty: 15, UnitPrice: 8.20})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineName: "ibuprofen", Qty: 2})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.MedicineID != "MED-X" {
		t.Errorf("expected MED-X, got %s", res.MedicineID)
	}
	if res.State != StateAwaitingConfirmation {
		t.Errorf("expected awaiting_confirmation, got %s", res.State)
	}
}

func TestConfirm_OnlyExplicitAffirmativeCommits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})

	res, err := env.orch.Confirm(ctx, res.TraceID, false)
	if err != nil {
		t.Fatalf("confirm(false) failed: %v", err)
	}
	if res.State != StateRejected || res.Rejection.Code != RejectCancelled {
		t.Errorf("expected cancelled rejection, got %s / %+v", res.State, res.Rejection)
	}

	orders, _ := env.store.ListOrdersByPatient(ctx, "p1")
	if len(orders) != 0 {
		t.Errorf("no order may exist without explicit confirmation, found %d", len(orders))
	}

	med, _ := env.store.GetMedicine(ctx, "MED-X")
	if med.StockQty != 15 {
		t.Errorf("stock must be untouched, got %d", med.StockQty)
	}
}

func TestConfirm_CommitTimeRaceRejects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 5, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 3})

	// Stock drains between validation and confirmation.
	env.cache.SetStock(ctx, "MED-X", 0)

	res, err := env.orch.Confirm(ctx, res.TraceID, true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.State != StateRejected || res.Rejection.Code != RejectInsufficientStock {
		t.Errorf("expected insufficient_stock at commit, got %s / %+v", res.State, res.Rejection)
	}
}

func TestConfirm_LedgerFailureRollsBackReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 5, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 2})

	// Cache still has stock but the ledger does not: the tx must fail and
	// the cache reservation must be restored.
	env.store.PutMedicine(domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 0, UnitPrice: 5.50})

	res, err := env.orch.Confirm(ctx, res.TraceID, true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.State != StateRejected || res.Rejection.Code != RejectInsufficientStock {
		t.Errorf("expected insufficient_stock, got %s / %+v", res.State, res.Rejection)
	}
	if got := env.cache.GetStock("MED-X"); got != 5 {
		t.Errorf("expected cache reservation rolled back to 5, got %d", got)
	}
}

func TestConcurrentConfirm_LastUnitSellsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-W", Name: "Lisinopril", StockQty: 1, UnitPrice: 12.00})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})
	env.addPatient(domain.Patient{ID: "p2", Name: "Other Patient"})

	res1, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-W", Qty: 1})
	if err != nil {
		t.Fatalf("submit 1 failed: %v", err)
	}
	res2, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p2", MedicineID: "MED-W", Qty: 1})
	if err != nil {
		t.Fatalf("submit 2 failed: %v", err)
	}

	var success, insufficient atomic.Int32
	var wg sync.WaitGroup
	for _, traceID := range []string{res1.TraceID, res2.TraceID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := env.orch.Confirm(ctx, id, true)
			if err != nil {
				t.Errorf("confirm failed: %v", err)
				return
			}
			switch {
			case res.State == StateDone:
				success.Add(1)
			case res.Rejection != nil && res.Rejection.Code == RejectInsufficientStock:
				insufficient.Add(1)
			}
		}(traceID)
	}
	wg.Wait()

	if success.Load() != 1 || insufficient.Load() != 1 {
		t.Errorf("expected exactly 1 success and 1 insufficient_stock, got %d/%d",
			success.Load(), insufficient.Load())
	}

	med, _ := env.store.GetMedicine(ctx, "MED-W")
	if med.StockQty != 0 {
		t.Errorf("expected final stock 0, got %d", med.StockQty)
	}
}

func TestConcurrentOversell_StockNeverNegative(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-W", Name: "Lisinopril", StockQty: 20, UnitPrice: 12.00})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	totalRequests := 50
	traceIDs := make([]string, 0, totalRequests)
	for i := 0; i < totalRequests; i++ {
		res, err := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-W", Qty: 1})
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		if res.State != StateAwaitingConfirmation {
			t.Fatalf("submit %d: expected awaiting_confirmation, got %s", i, res.State)
		}
		traceIDs = append(traceIDs, res.TraceID)
	}

	var success atomic.Int32
	var wg sync.WaitGroup
	for _, traceID := range traceIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := env.orch.Confirm(ctx, id, true)
			if err == nil && res.State == StateDone {
				success.Add(1)
			}
		}(traceID)
	}
	wg.Wait()

	if success.Load() != 20 {
		t.Errorf("expected exactly 20 successes, got %d", success.Load())
	}
	med, _ := env.store.GetMedicine(ctx, "MED-W")
	if med.StockQty != 0 {
		t.Errorf("expected final stock 0, got %d", med.StockQty)
	}
	if med.StockQty < 0 {
		t.Error("stock went negative")
	}
}

func TestTraceSpans_ShareTraceIDAndRecordGate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-RX", Name: "Amoxicillin", StockQty: 45, UnitPrice: 15.00, PrescriptionRequired: true})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-RX", Qty: 1, PrescriptionConfirmed: true})
	res, err := env.orch.Confirm(ctx, res.TraceID, true)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}

	spans := env.recorder.ListByTrace(res.TraceID)
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}

	var sawSatisfiedGate bool
	names := make(map[string]bool)
	for _, s := range spans {
		if s.TraceID != res.TraceID {
			t.Errorf("span %s has foreign trace id %s", s.Name, s.TraceID)
		}
		names[s.Name] = true
		if s.Name == "validating" && s.Output["prescription_satisfied"] == "true" {
			sawSatisfiedGate = true
		}
	}
	for _, want := range []string{"gathering", "validating", "confirmation", "committing", "dispatching"} {
		if !names[want] {
			t.Errorf("missing %s span", want)
		}
	}
	if !sawSatisfiedGate {
		t.Error("committed prescription order lacks a satisfied gate span")
	}
}

func TestCancel_BeforeCommitHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})

	res, err := env.orch.Cancel(ctx, res.TraceID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if res.State != StateRejected || res.Rejection.Code != RejectCancelled {
		t.Errorf("expected cancelled, got %s / %+v", res.State, res.Rejection)
	}

	med, _ := env.store.GetMedicine(ctx, "MED-X")
	if med.StockQty != 15 {
		t.Errorf("stock must be untouched, got %d", med.StockQty)
	}
}

func TestCancel_AfterDoneRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})
	if _, err := env.orch.Confirm(ctx, res.TraceID, true); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if _, err := env.orch.Cancel(ctx, res.TraceID); err != ErrNotCancellable {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestConfirm_UnknownTrace(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.orch.Confirm(context.Background(), "tr-missing", true); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestPruneExpired_RejectsStaleRuns(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addMedicine(ctx, domain.Medicine{ID: "MED-X", Name: "Paracetamol", StockQty: 15, UnitPrice: 5.50})
	env.addPatient(domain.Patient{ID: "p1", Name: "Test Patient"})

	res, _ := env.orch.Submit(ctx, OrderRequest{PatientID: "p1", MedicineID: "MED-X", Qty: 1})

	env.orch.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if pruned := env.orch.PruneExpired(); pruned != 1 {
		t.Errorf("expected 1 pruned run, got %d", pruned)
	}

	if _, err := env.orch.Confirm(ctx, res.TraceID, true); err != ErrRunNotFound {
		t.Errorf("expired run must be gone, got %v", err)
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := map[string]OrderRequest{
		"missing patient":       {MedicineID: "MED-X", Qty: 1},
		"zero qty":              {PatientID: "p1", MedicineID: "MED-X", Qty: 0},
		"negative qty":          {PatientID: "p1", MedicineID: "MED-X", Qty: -3},
		"no medicine reference": {PatientID: "p1", Qty: 1},
	}
	for name, req := range cases {
		if _, err := env.orch.Submit(ctx, req); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
