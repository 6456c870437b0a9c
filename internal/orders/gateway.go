package orders

import (
	"context"
	"fmt"
	"sync"

	"conveyor/internal/reliability"
)

// PaymentGateway charges a payment instrument with the external provider.
// The gateway call itself carries no idempotency guarantee; the activity
// layer dedupes on the idempotency key before invoking it.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amountCents int64, token string) error
}

// NoopPaymentGateway is a stub gateway that always succeeds.
type NoopPaymentGateway struct{}

func (NoopPaymentGateway) Charge(ctx context.Context, orderID string, amountCents int64, token string) error {
	return nil
}

// NewInMemoryPaymentGateway constructs an in-memory gateway.
func NewInMemoryPaymentGateway() *InMemoryPaymentGateway {
	return &InMemoryPaymentGateway{charges: make(map[string]int)}
}

// InMemoryPaymentGateway counts charges per token in memory.
type InMemoryPaymentGateway struct {
	mu      sync.Mutex
	charges map[string]int

	// Err, if set, is returned by every Charge call.
	Err error
}

func (g *InMemoryPaymentGateway) Charge(ctx context.Context, orderID string, amountCents int64, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	g.charges[token]++
	return nil
}

// ChargeCount reports how many times a token was charged (for
// testing/inspection).
func (g *InMemoryPaymentGateway) ChargeCount(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges[token]
}

// ReliablePaymentGateway wraps a PaymentGateway with a rate limiter and a
// circuit breaker. Retries stay with the saga substrate's per-activity
// policy; this layer only protects the provider.
type ReliablePaymentGateway struct {
	base    PaymentGateway
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
}

// NewReliablePaymentGateway constructs a reliability-wrapped gateway.
func NewReliablePaymentGateway(base PaymentGateway, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker) *ReliablePaymentGateway {
	return &ReliablePaymentGateway{
		base:    base,
		limiter: limiter,
		breaker: breaker,
	}
}

func (g *ReliablePaymentGateway) Charge(ctx context.Context, orderID string, amountCents int64, token string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	call := func() error {
		return g.base.Charge(ctx, orderID, amountCents, token)
	}
	if g.breaker != nil {
		return g.breaker.Execute(call)
	}
	return call()
}

// PaymentToken derives the deterministic idempotency token for an order, so
// saga replays never mint a new token.
func PaymentToken(orderID string) string {
	return fmt.Sprintf("pay_%s", orderID)
}

// ShippingInstanceID derives the child saga id for an order, so at most one
// shipping run exists per order.
func ShippingInstanceID(orderID string) string {
	return fmt.Sprintf("ship_%s", orderID)
}
