package orders

import (
	"context"
	"errors"
)

// ErrOrderNotFound signals an order id with no row.
var ErrOrderNotFound = errors.New("order not found")

// ErrPaymentNotFound signals an idempotency key with no payment row.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrDuplicateIdempotencyKey signals a payment insert that lost the race on
// the idempotency key's uniqueness constraint. The caller must re-read and
// return the winner's row.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// OrderStore persists order rows. All mutations are single-row updates keyed
// by the order id.
type OrderStore interface {
	CreateOrderIfAbsent(ctx context.Context, order Order) (created bool, err error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	UpdateOrderState(ctx context.Context, orderID, state, step string) error
	SetError(ctx context.Context, orderID, message string) error
}

// PaymentStore persists payment rows keyed by the unique idempotency key.
type PaymentStore interface {
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (Payment, error)
	CreatePayment(ctx context.Context, payment Payment) error
}

// EventStore appends to and reads the audit log.
type EventStore interface {
	AppendEvent(ctx context.Context, event Event) error
	ListEventsForOrder(ctx context.Context, orderID string) ([]Event, error)
}
