package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes the ledger row for one ticker.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (ticker, net_contracts, avg_entry_cents, realized_cents, unrealized_cents, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (ticker) DO UPDATE SET
			net_contracts = EXCLUDED.net_contracts,
			avg_entry_cents = EXCLUDED.avg_entry_cents,
			realized_cents = EXCLUDED.realized_cents,
			unrealized_cents = EXCLUDED.unrealized_cents,
			updated_at = NOW()`
	_, err := s.pool.Exec(ctx, query,
		p.Ticker, p.NetContracts, p.AvgEntryCents, p.RealizedPnLCents, p.UnrealizedPnLCents,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.Ticker, err)
	}
	return nil
}

// List returns all position rows.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	const query = `
		SELECT ticker, net_contracts, avg_entry_cents, realized_cents, unrealized_cents
		FROM positions ORDER BY ticker`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Ticker, &p.NetContracts, &p.AvgEntryCents, &p.RealizedPnLCents, &p.UnrealizedPnLCents); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ domain.PositionStore = (*PositionStore)(nil)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Append records one confirmed fill.
func (s *FillStore) Append(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (order_id, opportunity_id, ticker, side, action, count, price_cents, fee_cents, filled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, query,
		f.OrderID, f.OpportunityID, f.Ticker, string(f.Side), string(f.Action),
		f.Count, f.PriceCents, f.FeeCents, f.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append fill %s: %w", f.OrderID, err)
	}
	return nil
}

// ListByTicker returns all fills for a ticker in fill order.
func (s *FillStore) ListByTicker(ctx context.Context, ticker string) ([]domain.Fill, error) {
	const query = `
		SELECT order_id, opportunity_id, ticker, side, action, count, price_cents, fee_cents, filled_at
		FROM fills WHERE ticker = $1 ORDER BY filled_at, id`
	rows, err := s.pool.Query(ctx, query, ticker)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", ticker, err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side, action string
		if err := rows.Scan(&f.OrderID, &f.OpportunityID, &f.Ticker, &side, &action, &f.Count, &f.PriceCents, &f.FeeCents, &f.FilledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.Side(side)
		f.Action = domain.Action(action)
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ domain.FillStore = (*FillStore)(nil)
