package shipping

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"conveyor/internal/reliability"
)

// WarehouseClient picks and packs an order, returning a box id.
type WarehouseClient interface {
	PreparePackage(ctx context.Context, orderID string) (string, error)
}

// CarrierClient requests a pickup, returning a tracking number.
type CarrierClient interface {
	Dispatch(ctx context.Context, orderID, boxID string) (string, error)
}

// WarehouseID identifies the fulfilling warehouse on audit events.
const WarehouseID = "WH-NY-01"

// NewInMemoryWarehouseClient constructs an in-memory warehouse client.
func NewInMemoryWarehouseClient() *InMemoryWarehouseClient {
	return &InMemoryWarehouseClient{packed: make(map[string]string)}
}

// InMemoryWarehouseClient tracks packed orders in memory.
type InMemoryWarehouseClient struct {
	mu     sync.Mutex
	packed map[string]string

	// Err, if set, is returned by every PreparePackage call.
	Err error
}

func (c *InMemoryWarehouseClient) PreparePackage(ctx context.Context, orderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	boxID := "box_" + shortID(orderID)
	c.packed[orderID] = boxID
	return boxID, nil
}

// Packed returns the box id packed for an order, if any (for
// testing/inspection).
func (c *InMemoryWarehouseClient) Packed(orderID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	boxID, ok := c.packed[orderID]
	return boxID, ok
}

// NewInMemoryCarrierClient constructs an in-memory carrier client.
func NewInMemoryCarrierClient() *InMemoryCarrierClient {
	return &InMemoryCarrierClient{dispatched: make(map[string]string)}
}

// InMemoryCarrierClient tracks dispatched orders in memory.
type InMemoryCarrierClient struct {
	mu         sync.Mutex
	dispatched map[string]string

	// Err, if set, is returned by every Dispatch call.
	Err error
}

func (c *InMemoryCarrierClient) Dispatch(ctx context.Context, orderID, boxID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	tracking := fmt.Sprintf("TRK-%s", strings.ToUpper(shortID(orderID)))
	c.dispatched[orderID] = tracking
	return tracking, nil
}

// Dispatched returns the tracking number for an order, if any (for
// testing/inspection).
func (c *InMemoryCarrierClient) Dispatched(orderID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracking, ok := c.dispatched[orderID]
	return tracking, ok
}

// ReliableCarrierClient wraps a CarrierClient with a rate limiter and a
// circuit breaker; the substrate's retry policy stays on the activity.
type ReliableCarrierClient struct {
	base    CarrierClient
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
}

// NewReliableCarrierClient constructs a reliability-wrapped carrier client.
func NewReliableCarrierClient(base CarrierClient, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker) *ReliableCarrierClient {
	return &ReliableCarrierClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
	}
}

func (c *ReliableCarrierClient) Dispatch(ctx context.Context, orderID, boxID string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	var tracking string
	call := func() error {
		var err error
		tracking, err = c.base.Dispatch(ctx, orderID, boxID)
		return err
	}
	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return "", err
		}
		return tracking, nil
	}
	if err := call(); err != nil {
		return "", err
	}
	return tracking, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
