package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps orders, payments and events in memory. It backs tests
// and the DSN-less fallback wiring.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	payments map[string]Payment
	events   []Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]Order),
		payments: make(map[string]Payment),
	}
}

func (m *MemoryStore) CreateOrderIfAbsent(ctx context.Context, order Order) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	m.orders[order.ID] = order
	return true, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (m *MemoryStore) UpdateOrderState(ctx context.Context, orderID, state, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.State = state
	if step != "" {
		order.CurrentStep = step
	}
	order.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = order
	return nil
}

func (m *MemoryStore) SetError(ctx context.Context, orderID, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.LastError = message
	order.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = order
	return nil
}

func (m *MemoryStore) GetPaymentByIdempotencyKey(ctx context.Context, key string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[key]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, payment Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[payment.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	payment.CreatedAt = time.Now().UTC()
	m.payments[payment.IdempotencyKey] = payment
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) ListEventsForOrder(ctx context.Context, orderID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

// OrderCount reports the number of order rows (for testing/inspection).
func (m *MemoryStore) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// PaymentCount reports the number of payment rows (for testing/inspection).
func (m *MemoryStore) PaymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// EventsOfType returns the events of a given type for an order (for
// testing/inspection).
func (m *MemoryStore) EventsOfType(orderID, eventType string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.OrderID == orderID && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
