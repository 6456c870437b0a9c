package events

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"conveyor/internal/orders"
)

func TestRecorderPersistsThenPublishes(t *testing.T) {
	t.Parallel()

	store := orders.NewMemoryStore()
	pub := &spyPublisher{}
	rec := NewRecorder(store, pub, zap.NewNop())

	event := orders.Event{OrderID: "order-1", Type: orders.EventOrderCreated}
	if err := rec.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("append: %v", err)
	}

	if pub.called != 1 {
		t.Fatalf("expected 1 publish, got %d", pub.called)
	}
	if pub.last.ID == "" {
		t.Fatalf("expected assigned event id")
	}
	if pub.last.Timestamp.IsZero() {
		t.Fatalf("expected assigned timestamp")
	}

	got, err := rec.ListEventsForOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Type != orders.EventOrderCreated {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestRecorderPublishFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	store := orders.NewMemoryStore()
	pub := &spyPublisher{err: errors.New("feed down")}
	rec := NewRecorder(store, pub, nil)

	if err := rec.AppendEvent(context.Background(), orders.Event{OrderID: "order-1", Type: orders.EventOrderCreated}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.ListEventsForOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected stored event despite publish failure")
	}
}

type failingStore struct {
	orders.EventStore
	err error
}

func (f *failingStore) AppendEvent(context.Context, orders.Event) error { return f.err }

func TestRecorderStoreFailurePropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	pub := &spyPublisher{}
	rec := NewRecorder(&failingStore{err: boom}, pub, zap.NewNop())

	err := rec.AppendEvent(context.Background(), orders.Event{OrderID: "order-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if pub.called != 0 {
		t.Fatalf("expected no publish when store write fails")
	}
}
