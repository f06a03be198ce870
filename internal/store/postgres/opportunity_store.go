package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
// State transitions use a compare-and-set inside a serializable transaction
// so an opportunity can never be moved out of a state twice.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Create inserts a newly detected opportunity.
func (s *OpportunityStore) Create(ctx context.Context, o domain.Opportunity) error {
	legsJSON, _ := json.Marshal(o.Legs)
	const query = `
		INSERT INTO opportunities (id, relationship_id, signal, legs, raw_edge_cents,
			fee_cents, net_magnitude, confidence, liquidity_fac, score, probabilistic,
			detected_at, expires_at, state, failure_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := s.pool.Exec(ctx, query,
		o.ID, o.RelationshipID, string(o.Signal), legsJSON, o.RawEdgeCents,
		o.FeeCents, o.NetMagnitude, o.Confidence, o.LiquidityFac, o.Score, o.Probabilistic,
		o.DetectedAt, o.ExpiresAt, string(o.State), o.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: create opportunity %s: %w", o.ID, err)
	}
	return nil
}

// Transition atomically moves an opportunity from one state to another. It
// fails if the stored state is not the expected one, which makes concurrent
// double-execution impossible.
func (s *OpportunityStore) Transition(ctx context.Context, id string, from, to domain.OpportunityState, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin transition %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE opportunities SET state = $3, failure_reason = $4 WHERE id = $1 AND state = $2`,
		id, string(from), string(to), reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: transition opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: opportunity %s not in state %s: %w", id, from, domain.ErrBadTransition)
	}
	return tx.Commit(ctx)
}

// ListByState returns all opportunities in the given state.
func (s *OpportunityStore) ListByState(ctx context.Context, state domain.OpportunityState) ([]domain.Opportunity, error) {
	const query = `
		SELECT id, relationship_id, signal, legs, raw_edge_cents, fee_cents,
			net_magnitude, confidence, liquidity_fac, score, probabilistic,
			detected_at, expires_at, state, failure_reason
		FROM opportunities WHERE state = $1 ORDER BY detected_at`
	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.Opportunity
	for rows.Next() {
		var o domain.Opportunity
		var signal, st string
		var legsJSON []byte
		if err := rows.Scan(
			&o.ID, &o.RelationshipID, &signal, &legsJSON, &o.RawEdgeCents, &o.FeeCents,
			&o.NetMagnitude, &o.Confidence, &o.LiquidityFac, &o.Score, &o.Probabilistic,
			&o.DetectedAt, &o.ExpiresAt, &st, &o.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		o.Signal = domain.Signal(signal)
		o.State = domain.OpportunityState(st)
		_ = json.Unmarshal(legsJSON, &o.Legs)
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
