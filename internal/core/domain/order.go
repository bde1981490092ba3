package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Final reports whether the status permits no further transitions.
func (s OrderStatus) Final() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Order is an append-only ledger record. TotalPrice is frozen at commit
// time from the unit price observed inside the commit transaction and is
// never recomputed.
type Order struct {
	ID          string
	PatientID   string
	MedicineID  string
	Qty         int
	TotalPrice  float64
	Status      OrderStatus
	TraceID     string
	DispatchRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DispatchAck is the fire-and-forget acknowledgement a fulfillment system
// sends back after picking up a dispatched order.
type DispatchAck struct {
	OrderID     string `json:"order_id"`
	DispatchRef string `json:"dispatch_ref"`
	Status      string `json:"status"`
}
