package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/curacare/fulfillment/internal/core/domain"
)

// MySQLAdapter is the durable store: medicine catalog, patient records and
// the append-only order ledger. Order commit and stock decrement happen in
// one transaction so neither can exist without the other.
type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

type medicineRow struct {
	ID                   string  `db:"id"`
	Name                 string  `db:"name"`
	Category             string  `db:"category"`
	StockQty             int     `db:"stock_qty"`
	ReorderThreshold     int     `db:"reorder_threshold"`
	PrescriptionRequired bool    `db:"prescription_required"`
	Dosage               string  `db:"dosage"`
	Unit                 string  `db:"unit"`
	UnitPrice            float64 `db:"unit_price"`
}

func (r medicineRow) toDomain() domain.Medicine {
	return domain.Medicine{
		ID:                   r.ID,
		Name:                 r.Name,
		Category:             r.Category,
		StockQty:             r.StockQty,
		ReorderThreshold:     r.ReorderThreshold,
		PrescriptionRequired: r.PrescriptionRequired,
		Dosage:               r.Dosage,
		Unit:                 r.Unit,
		UnitPrice:            r.UnitPrice,
	}
}

const medicineColumns = `id, name, category, stock_qty, reorder_threshold,
	prescription_required, dosage, unit, unit_price`

func (m *MySQLAdapter) GetMedicine(ctx context.Context, id string) (*domain.Medicine, error) {
	var row medicineRow
	err := m.db.GetContext(ctx, &row,
		`SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query medicine: %w", err)
	}
	med := row.toDomain()
	return &med, nil
}

func (m *MySQLAdapter) FindMedicineByName(ctx context.Context, name string) (*domain.Medicine, error) {
	var row medicineRow
	err := m.db.GetContext(ctx, &row,
		`SELECT `+medicineColumns+` FROM medicines WHERE LOWER(name) = LOWER(?)`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query medicine by name: %w", err)
	}
	med := row.toDomain()
	return &med, nil
}

func (m *MySQLAdapter) ListMedicines(ctx context.Context) ([]domain.Medicine, error) {
	var rows []medicineRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+medicineColumns+` FROM medicines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	meds := make([]domain.Medicine, 0, len(rows))
	for _, r := range rows {
		meds = append(meds, r.toDomain())
	}
	return meds, nil
}

func (m *MySQLAdapter) ListLowStock(ctx context.Context) ([]domain.Medicine, error) {
	var rows []medicineRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+medicineColumns+` FROM medicines WHERE stock_qty < reorder_threshold ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	meds := make([]domain.Medicine, 0, len(rows))
	for _, r := range rows {
		meds = append(meds, r.toDomain())
	}
	return meds, nil
}

type patientRow struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	Age      int    `db:"age"`
	MemberID string `db:"member_id"`
	Email    string `db:"email"`
	History  []byte `db:"history"` // JSON array of conditions
}

func (m *MySQLAdapter) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	var row patientRow
	err := m.db.GetContext(ctx, &row,
		`SELECT id, name, age, member_id, email, history FROM patients WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}

	patient := domain.Patient{
		ID:       row.ID,
		Name:     row.Name,
		Age:      row.Age,
		MemberID: row.MemberID,
		Email:    row.Email,
	}
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &patient.History); err != nil {
			return nil, fmt.Errorf("decode patient history: %w", err)
		}
	}
	return &patient, nil
}

// CommitOrder runs the atomic unit of work: verify-and-decrement stock,
// freeze the total from the unit price in the same transaction, append the
// order. Zero rows on the guarded UPDATE aborts everything.
func (m *MySQLAdapter) CommitOrder(ctx context.Context, order *domain.Order) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE medicines
		SET stock_qty = stock_qty - ?
		WHERE id = ? AND stock_qty >= ?`,
		order.Qty, order.MedicineID, order.Qty,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := tx.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM medicines WHERE id = ?`, order.MedicineID)
		if err != nil {
			return fmt.Errorf("check medicine: %w", err)
		}
		if exists == 0 {
			return domain.ErrMedicineNotFound
		}
		return domain.ErrInsufficientStock
	}

	var unitPrice float64
	if err := tx.GetContext(ctx, &unitPrice,
		`SELECT unit_price FROM medicines WHERE id = ?`, order.MedicineID); err != nil {
		return fmt.Errorf("read unit price: %w", err)
	}
	order.TotalPrice = unitPrice * float64(order.Qty)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, patient_id, medicine_id, qty, total_price, status, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.PatientID, order.MedicineID, order.Qty, order.TotalPrice,
		order.Status, order.TraceID, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return tx.Commit()
}

type orderRow struct {
	ID          string         `db:"id"`
	PatientID   string         `db:"patient_id"`
	MedicineID  string         `db:"medicine_id"`
	Qty         int            `db:"qty"`
	TotalPrice  float64        `db:"total_price"`
	Status      string         `db:"status"`
	TraceID     string         `db:"trace_id"`
	DispatchRef sql.NullString `db:"dispatch_ref"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		ID:          r.ID,
		PatientID:   r.PatientID,
		MedicineID:  r.MedicineID,
		Qty:         r.Qty,
		TotalPrice:  r.TotalPrice,
		Status:      domain.OrderStatus(r.Status),
		TraceID:     r.TraceID,
		DispatchRef: r.DispatchRef.String,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const orderColumns = `id, patient_id, medicine_id, qty, total_price, status,
	trace_id, dispatch_ref, created_at, updated_at`

func (m *MySQLAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var row orderRow
	err := m.db.GetContext(ctx, &row,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	order := row.toDomain()
	return &order, nil
}

func (m *MySQLAdapter) ListOrdersByPatient(ctx context.Context, patientID string) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows,
		`SELECT `+orderColumns+` FROM orders WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toDomain())
	}
	return orders, nil
}

func (m *MySQLAdapter) MarkDispatched(ctx context.Context, orderID, dispatchRef string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, dispatch_ref = ?, updated_at = NOW()
		WHERE id = ? AND status = ?`,
		domain.OrderStatusShipped, dispatchRef, orderID, domain.OrderStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// either already acknowledged (fine) or the order does not exist
		var exists int
		if err := m.db.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM orders WHERE id = ?`, orderID); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if exists == 0 {
			return domain.ErrOrderNotFound
		}
	}
	return nil
}

func (m *MySQLAdapter) ListUnacknowledged(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	var rows []orderRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND dispatch_ref IS NULL AND created_at < ?
		ORDER BY created_at`,
		domain.OrderStatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list unacknowledged: %w", err)
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toDomain())
	}
	return orders, nil
}
