package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conveyor/internal/saga"
)

// Activity result labels for the idempotent create.
const (
	ReceiveCreated = "created"
	ReceiveSkipped = "skipped"
)

// Activities are the side-effecting steps of the order saga. Every activity
// checks persisted state before acting so the substrate may re-execute it
// after a crash or retry without duplicating effects.
type Activities struct {
	orders   OrderStore
	payments PaymentStore
	events   EventStore
	gateway  PaymentGateway
	logger   *zap.Logger
}

// NewActivities constructs the activity set.
func NewActivities(orderStore OrderStore, paymentStore PaymentStore, eventStore EventStore, gateway PaymentGateway, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		orders:   orderStore,
		payments: paymentStore,
		events:   eventStore,
		gateway:  gateway,
		logger:   logger,
	}
}

// ReceiveOrder persists the initial order row. Re-running with the same id
// is a no-op, so exactly one row and one ORDER_CREATED event exist per id.
func (a *Activities) ReceiveOrder(ctx context.Context, orderID string, address Address) (string, error) {
	if _, err := a.orders.GetOrder(ctx, orderID); err == nil {
		a.logger.Info("order already exists", zap.String("order_id", orderID))
		return ReceiveSkipped, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return "", err
	}

	created, err := a.orders.CreateOrderIfAbsent(ctx, Order{
		ID:          orderID,
		State:       StateCreated,
		Address:     address,
		CurrentStep: "order_received",
	})
	if err != nil {
		return "", err
	}
	if !created {
		// Lost a create race; the row exists, nothing more to do.
		return ReceiveSkipped, nil
	}

	if err := a.events.AppendEvent(ctx, Event{
		OrderID: orderID,
		Type:    EventOrderCreated,
		Payload: map[string]any{"address": address},
	}); err != nil {
		return "", err
	}
	return ReceiveCreated, nil
}

// ValidateOrder re-derives its verdict purely from the persisted address.
// A missing zip_code is a business-rule failure; retrying cannot fix it.
func (a *Activities) ValidateOrder(ctx context.Context, orderID string) error {
	order, err := a.orders.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return saga.NonRetryable(fmt.Errorf("order %s not found", orderID))
	}
	if err != nil {
		return err
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, order.State, "validating"); err != nil {
		return err
	}

	if _, ok := order.Address["zip_code"]; !ok {
		if err := a.orders.SetError(ctx, orderID, "Missing zip_code"); err != nil {
			return err
		}
		if err := a.events.AppendEvent(ctx, Event{
			OrderID: orderID,
			Type:    EventValidationFailed,
			Payload: map[string]any{"reason": "Missing zip_code"},
		}); err != nil {
			return err
		}
		return saga.NonRetryable(errors.New("validation failed: missing zip_code"))
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, StateValidated, "validation_complete"); err != nil {
		return err
	}
	return a.events.AppendEvent(ctx, Event{OrderID: orderID, Type: EventValidationSuccess})
}

// ChargePayment produces a payment result exactly once per idempotency
// token. A concurrent insert race is resolved by the token's uniqueness
// constraint: the loser re-reads and returns the winner's row.
func (a *Activities) ChargePayment(ctx context.Context, orderID string, amountCents int64, token string) (string, error) {
	existing, err := a.payments.GetPaymentByIdempotencyKey(ctx, token)
	switch {
	case err == nil:
		return a.resolveExisting(token, existing)
	case errors.Is(err, ErrPaymentNotFound):
	default:
		return "", err
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, StateCharging, "processing_payment"); err != nil {
		return "", err
	}

	if err := a.gateway.Charge(ctx, orderID, amountCents, token); err != nil {
		return "", err
	}

	payment := Payment{
		PaymentID:      uuid.NewString(),
		OrderID:        orderID,
		Amount:         amountCents,
		Status:         PaymentSuccess,
		IdempotencyKey: token,
	}
	if err := a.payments.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			winner, rerr := a.payments.GetPaymentByIdempotencyKey(ctx, token)
			if rerr != nil {
				return "", rerr
			}
			return a.resolveExisting(token, winner)
		}
		return "", err
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, StatePaid, "payment_complete"); err != nil {
		return "", err
	}
	if err := a.events.AppendEvent(ctx, Event{
		OrderID: orderID,
		Type:    EventPaymentProcessed,
		Payload: map[string]any{"amount": amountCents, "payment_id": payment.PaymentID},
	}); err != nil {
		return "", err
	}
	return payment.PaymentID, nil
}

// resolveExisting maps a prior payment row for the token to the activity
// outcome: success replays the result, a terminal failure stays terminal.
func (a *Activities) resolveExisting(token string, payment Payment) (string, error) {
	a.logger.Info("payment idempotency hit", zap.String("key", token))
	if payment.Status == PaymentSuccess {
		return payment.PaymentID, nil
	}
	return "", saga.NonRetryable(fmt.Errorf("payment previously failed for key %s", token))
}

// RecordFailure persists a workflow-level failure on the order row, so the
// status surface keeps answering after the live instance is gone.
func (a *Activities) RecordFailure(ctx context.Context, orderID, message string) {
	if err := a.orders.SetError(ctx, orderID, message); err != nil {
		a.logger.Warn("record failure on order row",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}
