package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create records an order submission. The idempotency key is unique, so a
// retried submission that slipped past the exchange dedupe still cannot be
// recorded twice.
func (s *OrderStore) Create(ctx context.Context, opportunityID string, req domain.OrderRequest, orderID string) error {
	const query = `
		INSERT INTO orders (order_id, opportunity_id, ticker, action, side, count,
			limit_cents, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (idempotency_key) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		orderID, opportunityID, req.Ticker, string(req.Action), string(req.Side),
		req.Count, req.LimitPriceCents, req.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", orderID, err)
	}
	return nil
}

// UpdateStatus records the order's latest observed status and fill count.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, filledCount int64) error {
	const query = `UPDATE orders SET status = $2, filled_count = $3 WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, string(status), filledCount); err != nil {
		return fmt.Errorf("postgres: update order %s: %w", orderID, err)
	}
	return nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
