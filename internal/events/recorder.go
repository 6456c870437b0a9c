package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conveyor/internal/orders"
)

// Recorder appends events to the durable store and republishes them to the
// live feed. Publish failures are logged and swallowed; the store row is the
// record of truth.
type Recorder struct {
	store     orders.EventStore
	publisher Publisher
	logger    *zap.Logger
}

// NewRecorder constructs a Recorder. publisher may be nil.
func NewRecorder(store orders.EventStore, publisher Publisher, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, publisher: publisher, logger: logger}
}

// AppendEvent persists the event, then publishes it best-effort.
func (r *Recorder) AppendEvent(ctx context.Context, event orders.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("publish event",
				zap.String("order_id", event.OrderID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
		}
	}

	return nil
}

// ListEventsForOrder proxies to the underlying store.
func (r *Recorder) ListEventsForOrder(ctx context.Context, orderID string) ([]orders.Event, error) {
	return r.store.ListEventsForOrder(ctx, orderID)
}
