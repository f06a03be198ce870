package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// AppendBatch inserts a batch of price observations in one transaction.
func (s *SnapshotStore) AppendBatch(ctx context.Context, snaps []domain.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin snapshot batch: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO price_snapshots (ticker, yes_bid, yes_ask, no_bid, no_ask,
			yes_bid_depth, yes_ask_depth, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	for _, snap := range snaps {
		q := snap.Quote
		if _, err := tx.Exec(ctx, query,
			snap.Ticker, q.YesBid, q.YesAsk, q.NoBid, q.NoAsk,
			q.YesBidDepth, q.YesAskDepth, snap.ObservedAt,
		); err != nil {
			return fmt.Errorf("postgres: append snapshot %s: %w", snap.Ticker, err)
		}
	}
	return tx.Commit(ctx)
}

// ListRange returns snapshots observed in [from, to).
func (s *SnapshotStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.PriceSnapshot, error) {
	const query = `
		SELECT ticker, yes_bid, yes_ask, no_bid, no_ask, yes_bid_depth, yes_ask_depth, observed_at
		FROM price_snapshots WHERE observed_at >= $1 AND observed_at < $2
		ORDER BY observed_at, ticker`
	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceSnapshot
	for rows.Next() {
		var snap domain.PriceSnapshot
		q := &snap.Quote
		if err := rows.Scan(&snap.Ticker, &q.YesBid, &q.YesAsk, &q.NoBid, &q.NoAsk,
			&q.YesBidDepth, &q.YesAskDepth, &snap.ObservedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteRange removes snapshots observed in [from, to), typically after a
// successful archive upload.
func (s *SnapshotStore) DeleteRange(ctx context.Context, from, to time.Time) error {
	const query = `DELETE FROM price_snapshots WHERE observed_at >= $1 AND observed_at < $2`
	if _, err := s.pool.Exec(ctx, query, from, to); err != nil {
		return fmt.Errorf("postgres: delete snapshots: %w", err)
	}
	return nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
