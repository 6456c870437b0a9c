package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"conveyor/internal/orders"
)

// pgUniqueViolation is the Postgres error code for a unique constraint hit.
const pgUniqueViolation = "23505"

// Store persists orders, payments and audit events in Postgres. It is the
// durable source of truth the status surface falls back to once the live
// saga instance is gone.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			address JSONB NOT NULL DEFAULT '{}',
			current_step TEXT,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			order_id TEXT,
			type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// CreateOrderIfAbsent inserts the order unless a row with its id exists.
func (s *Store) CreateOrderIfAbsent(ctx context.Context, order orders.Order) (bool, error) {
	address, err := json.Marshal(order.Address)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, state, address, current_step)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.State, address, order.CurrentStep,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetOrder fetches an order row by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, address, COALESCE(current_step, ''), COALESCE(last_error, ''), created_at, updated_at
		FROM orders
		WHERE id = $1`,
		orderID,
	)

	var order orders.Order
	var address []byte
	err := row.Scan(&order.ID, &order.State, &address, &order.CurrentStep, &order.LastError, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	if err := json.Unmarshal(address, &order.Address); err != nil {
		return orders.Order{}, fmt.Errorf("decode address for order %s: %w", orderID, err)
	}
	return order, nil
}

// UpdateOrderState updates the state and, when non-empty, the step label.
func (s *Store) UpdateOrderState(ctx context.Context, orderID, state, step string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET state = $2,
		    current_step = COALESCE(NULLIF($3, ''), current_step),
		    updated_at = NOW()
		WHERE id = $1`,
		orderID, state, step,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetError records an error message on the order row.
func (s *Store) SetError(ctx context.Context, orderID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET last_error = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, message,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetPaymentByIdempotencyKey fetches the payment row for a key, if any.
func (s *Store) GetPaymentByIdempotencyKey(ctx context.Context, key string) (orders.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, order_id, amount, status, idempotency_key, created_at
		FROM payments
		WHERE idempotency_key = $1`,
		key,
	)

	var payment orders.Payment
	err := row.Scan(&payment.PaymentID, &payment.OrderID, &payment.Amount, &payment.Status, &payment.IdempotencyKey, &payment.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Payment{}, orders.ErrPaymentNotFound
	}
	if err != nil {
		return orders.Payment{}, err
	}
	return payment, nil
}

// CreatePayment inserts a payment row. A uniqueness violation on the
// idempotency key maps to ErrDuplicateIdempotencyKey so the caller re-reads
// the winner's row.
func (s *Store) CreatePayment(ctx context.Context, payment orders.Payment) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, amount, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)`,
		payment.PaymentID, payment.OrderID, payment.Amount, payment.Status, payment.IdempotencyKey,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return orders.ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

// AppendEvent appends an audit event row.
func (s *Store) AppendEvent(ctx context.Context, event orders.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, order_id, type, payload)
		VALUES ($1, NULLIF($2, ''), $3, $4)`,
		event.ID, event.OrderID, event.Type, payload,
	)
	return err
}

// ListEventsForOrder returns the order's events ordered by timestamp.
func (s *Store) ListEventsForOrder(ctx context.Context, orderID string) ([]orders.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(order_id, ''), type, payload, ts
		FROM events
		WHERE order_id = $1
		ORDER BY ts`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Event
	for rows.Next() {
		var event orders.Event
		var payload []byte
		if err := rows.Scan(&event.ID, &event.OrderID, &event.Type, &payload, &event.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for event %s: %w", event.ID, err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}
