package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"conveyor/internal/orders"
)

// Publisher pushes order events to an external feed.
type Publisher interface {
	Publish(ctx context.Context, event orders.Event) error
}

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards each event to every publisher in order,
// collecting errors so all of them get a chance to write.
type FanoutPublisher struct {
	publishers []Publisher
}

// NewFanoutPublisher constructs a Publisher that fans out to each target.
func NewFanoutPublisher(publishers ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{publishers: publishers}
}

// Publish forwards the event to each publisher in sequence.
func (f *FanoutPublisher) Publish(ctx context.Context, event orders.Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HubPublisher broadcasts events to live WebSocket clients.
type HubPublisher struct {
	broadcaster Broadcaster
}

// NewHubPublisher constructs a publisher targeting the given broadcaster.
func NewHubPublisher(broadcaster Broadcaster) *HubPublisher {
	return &HubPublisher{broadcaster: broadcaster}
}

// Publish marshals the event and broadcasts it.
func (p *HubPublisher) Publish(_ context.Context, event orders.Event) error {
	payload := struct {
		Type      string         `json:"type"`
		OrderID   string         `json:"order_id"`
		Payload   map[string]any `json:"payload,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}{
		Type:      event.Type,
		OrderID:   event.OrderID,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(data)
	}

	return nil
}
