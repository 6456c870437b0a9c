package orders

import "time"

// Order states. State is the high-level business status; the granular
// current_step label tracks workflow progress between states.
const (
	StateCreated     = "CREATED"
	StateValidated   = "VALIDATED"
	StateCharging    = "CHARGING"
	StatePaid        = "PAID"
	StatePackaging   = "PACKAGING"
	StatePackaged    = "PACKAGED"
	StateDispatching = "DISPATCHING"
	StateShipped     = "SHIPPED"
)

// Payment statuses. A payment row is immutable once written.
const (
	PaymentSuccess = "SUCCESS"
	PaymentFailed  = "FAILED"
)

// Audit event types.
const (
	EventOrderCreated      = "ORDER_CREATED"
	EventValidationSuccess = "VALIDATION_SUCCESS"
	EventValidationFailed  = "VALIDATION_FAILED"
	EventPaymentProcessed  = "PAYMENT_PROCESSED"
	EventPackagePrepared   = "PACKAGE_PREPARED"
	EventOrderShipped      = "ORDER_SHIPPED"
)

// Address is the free-form shipping address document.
type Address map[string]any

// Order is a customer order row. The id is assigned once and never reused.
type Order struct {
	ID          string
	State       string
	Address     Address
	CurrentStep string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment records one terminal charge attempt, deduplicated by the unique
// idempotency key. Amount is in minor currency units.
type Payment struct {
	PaymentID      string
	OrderID        string
	Amount         int64
	Status         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Event is an append-only audit record. Ordering by timestamp reconstructs
// an order's history.
type Event struct {
	ID        string
	OrderID   string
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}
