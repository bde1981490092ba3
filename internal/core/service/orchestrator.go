package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/curacare/fulfillment/internal/core/domain"
	"github.com/curacare/fulfillment/internal/port"
)

// RunState is the position of a pipeline run in the fulfillment sequence.
type RunState string

const (
	StateGathering            RunState = "gathering"
	StateValidating           RunState = "validating"
	StateAwaitingConfirmation RunState = "awaiting_confirmation"
	StateCommitting           RunState = "committing"
	StateDispatching          RunState = "dispatching"
	StateDone                 RunState = "done"
	StateRejected             RunState = "rejected"
)

// OrderRequest is what the upstream agent/NLU layer hands us: a resolved or
// best-effort extracted medicine reference plus the raw order parameters.
// No free text enters the pipeline.
type OrderRequest struct {
	PatientID             string
	MedicineID            string
	MedicineName          string
	Qty                   int
	PrescriptionConfirmed bool
	TraceID               string
	Locale                string
}

// OrderResult is the structured outcome returned to the caller. User-facing
// phrasing is the caller's responsibility.
type OrderResult struct {
	TraceID               string             `json:"trace_id"`
	State                 RunState           `json:"state"`
	MedicineID            string             `json:"medicine_id,omitempty"`
	MedicineName          string             `json:"medicine_name,omitempty"`
	Qty                   int                `json:"qty,omitempty"`
	UnitPrice             float64            `json:"unit_price,omitempty"`
	TotalPrice            float64            `json:"total_price,omitempty"`
	OrderID               string             `json:"order_id,omitempty"`
	OrderStatus           domain.OrderStatus `json:"order_status,omitempty"`
	EstimatedDeliveryDays int                `json:"estimated_delivery_days,omitempty"`
	Refill                *RefillPrediction  `json:"refill,omitempty"`
	Rejection             *Rejection         `json:"rejection,omitempty"`
	Locale                string             `json:"locale,omitempty"`
}

// run is one in-flight pipeline instance. Transitions are serialized by mu;
// many runs for the same or different patients execute concurrently.
type run struct {
	mu        sync.Mutex
	traceID   string
	patientID string
	locale    string
	medicine  domain.Medicine // snapshot taken at validation
	qty       int
	proof     bool
	state     RunState
	rejection *Rejection
	order     *domain.Order
	refill    *RefillPrediction
	createdAt time.Time
}

// Orchestrator drives each request through the enforced sequence
// gathering -> validating -> awaiting confirmation -> committing ->
// dispatching -> done. The ordering lives here, not in whatever the
// upstream caller claims to have already checked.
type Orchestrator struct {
	catalog  port.CatalogRepository
	patients port.PatientRepository
	orders   port.OrderRepository
	stock    port.InventoryCache
	gate     *SafetyGate
	recorder port.TraceRecorder
	dispatch *DispatchQueue
	log      zerolog.Logger

	deliveryDays int
	confirmTTL   time.Duration
	now          func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// OrchestratorConfig carries the tunables the orchestrator needs.
type OrchestratorConfig struct {
	EstimatedDeliveryDays int
	ConfirmTTL            time.Duration
}

func NewOrchestrator(
	catalog port.CatalogRepository,
	patients port.PatientRepository,
	orders port.OrderRepository,
	stock port.InventoryCache,
	recorder port.TraceRecorder,
	dispatch *DispatchQueue,
	cfg OrchestratorConfig,
	log zerolog.Logger,
) *Orchestrator {
	if cfg.EstimatedDeliveryDays <= 0 {
		cfg.EstimatedDeliveryDays = 3
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = 15 * time.Minute
	}
	return &Orchestrator{
		catalog:      catalog,
		patients:     patients,
		orders:       orders,
		stock:        stock,
		gate:         NewSafetyGate(catalog),
		recorder:     recorder,
		dispatch:     dispatch,
		log:          log,
		deliveryDays: cfg.EstimatedDeliveryDays,
		confirmTTL:   cfg.ConfirmTTL,
		now:          time.Now,
		runs:         make(map[string]*run),
	}
}

// Submit starts a run: it resolves the medicine reference, applies the
// safety gate and the stock availability check, and parks the run awaiting
// an explicit confirmation. Rejections come back inside the result.
func (o *Orchestrator) Submit(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("qty must be positive")
	}
	if req.MedicineID == "" && req.MedicineName == "" {
		return nil, fmt.Errorf("medicine_id or medicine_name is required")
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = "tr-" + uuid.NewString()
	}

	r := &run{
		traceID:   traceID,
		patientID: req.PatientID,
		locale:    req.Locale,
		qty:       req.Qty,
		proof:     req.PrescriptionConfirmed,
		state:     StateGathering,
		createdAt: o.now(),
	}

	o.mu.Lock()
	if _, exists := o.runs[traceID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("trace %s already has an active run", traceID)
	}
	o.runs[traceID] = r
	o.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Gathering -> Validating: resolve the medicine reference.
	start := o.now()
	med, gatherErr := o.resolveMedicine(ctx, req)
	gatherOut := map[string]string{}
	if med != nil {
		gatherOut["medicine_id"] = med.ID
	}
	o.emitSpan(traceID, "gathering", map[string]string{
		"patient_id":   req.PatientID,
		"medicine_ref": firstNonEmpty(req.MedicineID, req.MedicineName),
		"qty":          strconv.Itoa(req.Qty),
	}, gatherOut, statusOf(gatherErr == nil && med != nil), start)

	if gatherErr != nil {
		o.drop(traceID)
		return nil, gatherErr
	}
	if med == nil {
		r.state = StateRejected
		r.rejection = &Rejection{Code: RejectMedicineNotFound, Message: "medicine not found in catalog", Retryable: true}
		return o.resultLocked(r), nil
	}

	patient, err := o.patients.GetPatient(ctx, req.PatientID)
	if err != nil {
		o.drop(traceID)
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if patient == nil {
		r.state = StateRejected
		r.rejection = rejectValidation("unknown patient")
		return o.resultLocked(r), nil
	}

	r.medicine = *med
	r.state = StateValidating

	// Validating -> AwaitingConfirmation | Rejected.
	start = o.now()
	gate, err := o.gate.CheckPrescription(ctx, med.ID, req.PrescriptionConfirmed)
	if err != nil {
		o.emitSpan(traceID, "validating", validateInput(r), nil, domain.SpanStatusError, start)
		o.drop(traceID)
		return nil, fmt.Errorf("safety gate: %w", err)
	}

	valOut := map[string]string{
		"prescription_required":  strconv.FormatBool(gate.Required),
		"prescription_satisfied": strconv.FormatBool(gate.Satisfied),
		"stock_qty":              strconv.Itoa(med.StockQty),
		"unit_price":             strconv.FormatFloat(med.UnitPrice, 'f', 2, 64),
	}

	switch {
	case gate.Required && !gate.Satisfied:
		r.state = StateRejected
		r.rejection = &Rejection{Code: RejectPrescriptionRequired, Message: gate.Message, Retryable: true}
	case med.StockQty == 0 || med.StockQty < req.Qty:
		r.state = StateRejected
		r.rejection = &Rejection{Code: RejectInsufficientStock, Message: "insufficient stock", Retryable: true}
	default:
		r.state = StateAwaitingConfirmation
	}
	valOut["state"] = string(r.state)
	o.emitSpan(traceID, "validating", validateInput(r), valOut, statusOf(r.state != StateRejected), start)

	return o.resultLocked(r), nil
}

// Confirm resumes a parked run. Only an explicit affirmative commits; any
// other signal cancels with zero side effects. Once committing begins the
// run goes to completion.
func (o *Orchestrator) Confirm(ctx context.Context, traceID string, confirmed bool) (*OrderResult, error) {
	r := o.lookup(traceID)
	if r == nil {
		return nil, ErrRunNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateAwaitingConfirmation {
		return nil, ErrNotConfirmable
	}

	start := o.now()
	if !confirmed {
		r.state = StateRejected
		r.rejection = &Rejection{Code: RejectCancelled, Message: "order not confirmed", Retryable: true}
		o.emitSpan(traceID, "confirmation", map[string]string{"confirmed": "false"}, map[string]string{"state": string(r.state)}, domain.SpanStatusOK, start)
		return o.resultLocked(r), nil
	}

	r.state = StateCommitting
	o.emitSpan(traceID, "confirmation", map[string]string{"confirmed": "true"}, map[string]string{"state": string(r.state)}, domain.SpanStatusOK, start)

	// Committing -> Dispatching | Rejected. The fast-path reservation is
	// taken on the cache first so a lost race fails before the database;
	// the commit transaction remains the authoritative guard.
	start = o.now()
	order, err := o.commit(ctx, r)
	if err != nil {
		if rej := rejectionFor(err); rej != nil {
			r.state = StateRejected
			r.rejection = rej
			o.emitSpan(traceID, "committing", commitInput(r), map[string]string{"rejection": rej.Code}, domain.SpanStatusError, start)
			return o.resultLocked(r), nil
		}
		o.emitSpan(traceID, "committing", commitInput(r), nil, domain.SpanStatusError, start)
		return nil, fmt.Errorf("commit order: %w", err)
	}

	r.order = order
	r.state = StateDispatching
	o.emitSpan(traceID, "committing", commitInput(r), map[string]string{
		"order_id":    order.ID,
		"total_price": strconv.FormatFloat(order.TotalPrice, 'f', 2, 64),
		"status":      string(order.Status),
	}, domain.SpanStatusOK, start)

	// Dispatching -> Done, unconditionally. Dispatch is best effort; a
	// full queue is logged and left to the reconciliation sweep.
	start = o.now()
	queued := o.dispatch.Enqueue(*order)
	if !queued {
		o.log.Warn().Str("order_id", order.ID).Msg("dispatch queue full, order left for reconciliation")
	}
	pred := PredictRefill(*order, DefaultDailyRate, o.now())
	r.refill = &pred
	r.state = StateDone
	o.emitSpan(traceID, "dispatching", map[string]string{"order_id": order.ID},
		map[string]string{"queued": strconv.FormatBool(queued)}, domain.SpanStatusOK, start)

	return o.resultLocked(r), nil
}

// Cancel aborts a run before it reaches committing. There is nothing to
// undo: no mutation happens before the commit transaction.
func (o *Orchestrator) Cancel(ctx context.Context, traceID string) (*OrderResult, error) {
	r := o.lookup(traceID)
	if r == nil {
		return nil, ErrRunNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateGathering, StateValidating, StateAwaitingConfirmation:
		start := o.now()
		r.state = StateRejected
		r.rejection = &Rejection{Code: RejectCancelled, Message: "cancelled by requester", Retryable: true}
		o.emitSpan(traceID, "cancel", nil, map[string]string{"state": string(r.state)}, domain.SpanStatusOK, start)
		return o.resultLocked(r), nil
	default:
		return nil, ErrNotCancellable
	}
}

// Result returns the current snapshot of a run.
func (o *Orchestrator) Result(traceID string) (*OrderResult, error) {
	r := o.lookup(traceID)
	if r == nil {
		return nil, ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return o.resultLocked(r), nil
}

// PruneExpired rejects runs that sat awaiting confirmation longer than the
// confirmation TTL and evicts finished runs. Returns the number pruned.
func (o *Orchestrator) PruneExpired() int {
	now := o.now()

	o.mu.Lock()
	candidates := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		candidates = append(candidates, r)
	}
	o.mu.Unlock()

	pruned := 0
	for _, r := range candidates {
		r.mu.Lock()
		expired := r.state == StateAwaitingConfirmation && now.Sub(r.createdAt) > o.confirmTTL
		finished := r.state == StateDone || r.state == StateRejected
		if expired {
			r.state = StateRejected
			r.rejection = &Rejection{Code: RejectCancelled, Message: "confirmation window expired", Retryable: true}
		}
		traceID := r.traceID
		r.mu.Unlock()

		if expired || (finished && now.Sub(r.createdAt) > o.confirmTTL) {
			o.drop(traceID)
			pruned++
		}
	}
	return pruned
}

// commit reserves stock on the cache, then runs the atomic ledger
// transaction. A failed transaction rolls the cache reservation back so
// the two counters cannot drift.
func (o *Orchestrator) commit(ctx context.Context, r *run) (*domain.Order, error) {
	ok, err := o.stock.DecrementStock(ctx, r.medicine.ID, r.qty)
	if err != nil {
		return nil, fmt.Errorf("stock reservation: %w", err)
	}
	if !ok {
		return nil, domain.ErrInsufficientStock
	}

	now := o.now()
	order := &domain.Order{
		ID:         "ORD-" + uuid.NewString(),
		PatientID:  r.patientID,
		MedicineID: r.medicine.ID,
		Qty:        r.qty,
		Status:     domain.OrderStatusProcessing,
		TraceID:    r.traceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.orders.CommitOrder(ctx, order); err != nil {
		if rbErr := o.stock.IncrementStock(ctx, r.medicine.ID, r.qty); rbErr != nil {
			o.log.Error().Err(rbErr).Str("medicine_id", r.medicine.ID).
				Msg("CRITICAL: cache rollback failed after aborted commit")
		}
		return nil, err
	}
	return order, nil
}

func (o *Orchestrator) resolveMedicine(ctx context.Context, req OrderRequest) (*domain.Medicine, error) {
	if req.MedicineID != "" {
		return o.catalog.GetMedicine(ctx, req.MedicineID)
	}
	return o.catalog.FindMedicineByName(ctx, req.MedicineName)
}

func (o *Orchestrator) lookup(traceID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[traceID]
}

func (o *Orchestrator) drop(traceID string) {
	o.mu.Lock()
	delete(o.runs, traceID)
	o.mu.Unlock()
}

// emitSpan records one transition span. Emission failures are logged and
// swallowed: audit output must never block or fail the business operation.
func (o *Orchestrator) emitSpan(traceID, name string, input, output map[string]string, status string, start time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Warn().Interface("panic", rec).Str("span", name).Msg("trace emission failed")
		}
	}()
	o.recorder.Record(domain.TraceSpan{
		TraceID:   traceID,
		SpanID:    uuid.NewString(),
		Name:      name,
		Input:     input,
		Output:    output,
		Status:    status,
		StartTime: start,
		EndTime:   o.now(),
	})
}

// resultLocked builds a snapshot; the caller holds r.mu.
func (o *Orchestrator) resultLocked(r *run) *OrderResult {
	res := &OrderResult{
		TraceID:   r.traceID,
		State:     r.state,
		Qty:       r.qty,
		Rejection: r.rejection,
		Locale:    r.locale,
	}
	if r.medicine.ID != "" {
		res.MedicineID = r.medicine.ID
		res.MedicineName = r.medicine.Name
		res.UnitPrice = r.medicine.UnitPrice
		res.TotalPrice = float64(r.qty) * r.medicine.UnitPrice
	}
	if r.order != nil {
		res.OrderID = r.order.ID
		res.OrderStatus = r.order.Status
		res.TotalPrice = r.order.TotalPrice
		res.EstimatedDeliveryDays = o.deliveryDays
	}
	res.Refill = r.refill
	return res
}

// Input summaries carry identifiers and quantities only; patient contact
// details never enter spans.
func validateInput(r *run) map[string]string {
	return map[string]string{
		"patient_id":  r.patientID,
		"medicine_id": r.medicine.ID,
		"qty":         strconv.Itoa(r.qty),
	}
}

func commitInput(r *run) map[string]string {
	return map[string]string{
		"patient_id":  r.patientID,
		"medicine_id": r.medicine.ID,
		"qty":         strconv.Itoa(r.qty),
	}
}

func statusOf(ok bool) string {
	if ok {
		return domain.SpanStatusOK
	}
	return domain.SpanStatusError
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
