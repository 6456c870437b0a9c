package shipping

import (
	"context"

	"go.uber.org/zap"

	"conveyor/internal/orders"
)

// Activities are the shipping saga's side-effecting steps. Both are
// safe-to-retry external calls; the substrate owns their retry policy.
type Activities struct {
	orders    orders.OrderStore
	events    orders.EventStore
	warehouse WarehouseClient
	carrier   CarrierClient
	logger    *zap.Logger
}

// NewActivities constructs the activity set.
func NewActivities(orderStore orders.OrderStore, eventStore orders.EventStore, warehouse WarehouseClient, carrier CarrierClient, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		orders:    orderStore,
		events:    eventStore,
		warehouse: warehouse,
		carrier:   carrier,
		logger:    logger,
	}
}

// PreparePackage runs picking and packing at the warehouse and returns the
// box id.
func (a *Activities) PreparePackage(ctx context.Context, orderID string) (string, error) {
	if err := a.orders.UpdateOrderState(ctx, orderID, orders.StatePackaging, "warehouse_processing"); err != nil {
		return "", err
	}

	boxID, err := a.warehouse.PreparePackage(ctx, orderID)
	if err != nil {
		return "", err
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, orders.StatePackaged, "ready_for_dispatch"); err != nil {
		return "", err
	}
	if err := a.events.AppendEvent(ctx, orders.Event{
		OrderID: orderID,
		Type:    orders.EventPackagePrepared,
		Payload: map[string]any{"warehouse_id": WarehouseID, "box_id": boxID},
	}); err != nil {
		return "", err
	}
	return boxID, nil
}

// DispatchCarrier requests a pickup for the box and returns the tracking
// number.
func (a *Activities) DispatchCarrier(ctx context.Context, orderID, boxID string) (string, error) {
	if err := a.orders.UpdateOrderState(ctx, orderID, orders.StateDispatching, "contacting_carrier"); err != nil {
		return "", err
	}

	tracking, err := a.carrier.Dispatch(ctx, orderID, boxID)
	if err != nil {
		return "", err
	}

	if err := a.orders.UpdateOrderState(ctx, orderID, orders.StateShipped, "completed"); err != nil {
		return "", err
	}
	if err := a.events.AppendEvent(ctx, orders.Event{
		OrderID: orderID,
		Type:    orders.EventOrderShipped,
		Payload: map[string]any{"tracking_number": tracking, "box_id": boxID},
	}); err != nil {
		return "", err
	}
	return tracking, nil
}
