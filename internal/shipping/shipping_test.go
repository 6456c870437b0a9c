package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"conveyor/internal/orders"
	"conveyor/internal/saga"
)

func fastRetry(attempts int) saga.RetryPolicy {
	return saga.RetryPolicy{
		MaxAttempts: attempts,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func fastConfig() WorkflowConfig {
	return WorkflowConfig{
		PrepareRetry:  fastRetry(3),
		DispatchRetry: fastRetry(3),
	}
}

type shippingFixture struct {
	engine    *saga.Engine
	store     *orders.MemoryStore
	warehouse *InMemoryWarehouseClient
	carrier   *InMemoryCarrierClient
}

func newShippingFixture(t *testing.T) *shippingFixture {
	t.Helper()

	engine, err := saga.NewEngine(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := engine.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	store := orders.NewMemoryStore()
	warehouse := NewInMemoryWarehouseClient()
	carrier := NewInMemoryCarrierClient()
	acts := NewActivities(store, store, warehouse, carrier, zap.NewNop())
	engine.RegisterWorkflow(WorkflowKind, NewWorkflowFactory(acts, fastConfig()))

	return &shippingFixture{engine: engine, store: store, warehouse: warehouse, carrier: carrier}
}

func (f *shippingFixture) seedOrder(t *testing.T, orderID string) {
	t.Helper()
	created, err := f.store.CreateOrderIfAbsent(context.Background(), orders.Order{
		ID:    orderID,
		State: orders.StatePaid,
	})
	if err != nil || !created {
		t.Fatalf("seed order: created=%v err=%v", created, err)
	}
}

func awaitInstance(t *testing.T, inst *saga.Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", inst.ID())
	}
}

func TestShippingSagaCompletes(t *testing.T) {
	t.Parallel()

	f := newShippingFixture(t)
	f.seedOrder(t, "ord-1")

	inst, err := f.engine.StartWorkflow(context.Background(), WorkflowKind, "ship_ord-1", WorkflowInput{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitInstance(t, inst)

	tracking, err := inst.Result()
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	dispatched, ok := f.carrier.Dispatched("ord-1")
	if !ok || tracking != dispatched {
		t.Fatalf("tracking mismatch: %q vs %q", tracking, dispatched)
	}
	if _, ok := f.warehouse.Packed("ord-1"); !ok {
		t.Fatalf("order never packed")
	}

	order, err := f.store.GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.State != orders.StateShipped {
		t.Fatalf("unexpected state %q", order.State)
	}
	if got := len(f.store.EventsOfType("ord-1", orders.EventPackagePrepared)); got != 1 {
		t.Fatalf("expected 1 packaged event, got %d", got)
	}
	if got := len(f.store.EventsOfType("ord-1", orders.EventOrderShipped)); got != 1 {
		t.Fatalf("expected 1 shipped event, got %d", got)
	}
}

func TestShippingSagaWarehouseFailure(t *testing.T) {
	t.Parallel()

	f := newShippingFixture(t)
	f.seedOrder(t, "ord-1")
	f.warehouse.Err = errors.New("conveyor jam")

	inst, err := f.engine.StartWorkflow(context.Background(), WorkflowKind, "ship_ord-1", WorkflowInput{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	awaitInstance(t, inst)

	if _, err := inst.Result(); err == nil {
		t.Fatalf("expected failure")
	}
	if _, ok := f.carrier.Dispatched("ord-1"); ok {
		t.Fatalf("carrier must not be contacted when packaging fails")
	}
}

// parentProbe runs the shipping saga as its child and reports the failure
// notice it observed by the time the child outcome arrived.
type parentProbe struct {
	orderID string
	notices chan<- string
}

func (w *parentProbe) Run(ctx *saga.Context) (string, error) {
	notice := ""
	ctx.OnSignal(orders.SignalShippingFailed, func(payload json.RawMessage) {
		_ = json.Unmarshal(payload, &notice)
	})
	tracking, err := ctx.ExecuteChild(WorkflowKind, "ship_"+w.orderID, WorkflowInput{OrderID: w.orderID})
	w.notices <- notice
	if err != nil {
		return "", err
	}
	return tracking, nil
}

func TestShippingSagaNotifiesParentOnDispatchFailure(t *testing.T) {
	t.Parallel()

	f := newShippingFixture(t)
	f.seedOrder(t, "ord-1")
	f.carrier.Err = errors.New("no trucks available")

	notices := make(chan string, 1)
	f.engine.RegisterWorkflow("probe", func(string, json.RawMessage) (saga.Workflow, error) {
		return &parentProbe{orderID: "ord-1", notices: notices}, nil
	})
	parent, err := f.engine.StartWorkflow(context.Background(), "probe", "parent-1", nil)
	if err != nil {
		t.Fatalf("start parent: %v", err)
	}
	awaitInstance(t, parent)

	_, err = parent.Result()
	var childErr *saga.ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("expected propagated child failure, got %v", err)
	}
	if childErr.Err.Error() != "no trucks available" {
		t.Fatalf("unexpected cause %v", childErr.Err)
	}

	select {
	case notice := <-notices:
		if notice != "no trucks available" {
			t.Fatalf("unexpected notice %q", notice)
		}
	default:
		t.Fatalf("parent never reported the notice")
	}
}
