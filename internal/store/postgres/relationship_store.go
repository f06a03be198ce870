package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// RelationshipStore implements domain.RelationshipStore using PostgreSQL.
type RelationshipStore struct {
	pool *pgxpool.Pool
}

// NewRelationshipStore creates a new RelationshipStore.
func NewRelationshipStore(pool *pgxpool.Pool) *RelationshipStore {
	return &RelationshipStore{pool: pool}
}

// Upsert inserts or replaces a relationship record.
func (s *RelationshipStore) Upsert(ctx context.Context, r domain.Relationship) error {
	tickersJSON, _ := json.Marshal(r.Tickers)
	fpJSON, _ := json.Marshal(r.Fingerprints)
	const query = `
		INSERT INTO relationships (id, type, tickers, kappa, confidence, reasoning,
			fingerprints, created_at, last_validated_at, invalidated, invalid_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			fingerprints = EXCLUDED.fingerprints,
			last_validated_at = EXCLUDED.last_validated_at,
			invalidated = EXCLUDED.invalidated,
			invalid_reason = EXCLUDED.invalid_reason`
	_, err := s.pool.Exec(ctx, query,
		r.ID, string(r.Type), tickersJSON, r.Kappa, r.Confidence, r.Reasoning,
		fpJSON, r.CreatedAt, r.LastValidatedAt, r.Invalidated, r.InvalidReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert relationship %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns a relationship by id.
func (s *RelationshipStore) GetByID(ctx context.Context, id string) (domain.Relationship, error) {
	const query = `
		SELECT id, type, tickers, kappa, confidence, reasoning, fingerprints,
			created_at, last_validated_at, invalidated, invalid_reason
		FROM relationships WHERE id = $1`
	r, err := scanRelationship(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Relationship{}, fmt.Errorf("postgres: relationship %s: %w", id, domain.ErrNotFound)
		}
		return domain.Relationship{}, fmt.Errorf("postgres: get relationship %s: %w", id, err)
	}
	return r, nil
}

// ListActive returns all non-invalidated relationships.
func (s *RelationshipStore) ListActive(ctx context.Context) ([]domain.Relationship, error) {
	const query = `
		SELECT id, type, tickers, kappa, confidence, reasoning, fingerprints,
			created_at, last_validated_at, invalidated, invalid_reason
		FROM relationships WHERE NOT invalidated ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkInvalid terminally invalidates a relationship.
func (s *RelationshipStore) MarkInvalid(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE relationships SET invalidated = TRUE, invalid_reason = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, reason); err != nil {
		return fmt.Errorf("postgres: invalidate relationship %s: %w", id, err)
	}
	return nil
}

func scanRelationship(row rowScanner) (domain.Relationship, error) {
	var r domain.Relationship
	var relType string
	var tickersJSON, fpJSON []byte
	err := row.Scan(
		&r.ID, &relType, &tickersJSON, &r.Kappa, &r.Confidence, &r.Reasoning,
		&fpJSON, &r.CreatedAt, &r.LastValidatedAt, &r.Invalidated, &r.InvalidReason,
	)
	if err != nil {
		return domain.Relationship{}, err
	}
	r.Type = domain.RelationshipType(relType)
	if len(tickersJSON) > 0 {
		_ = json.Unmarshal(tickersJSON, &r.Tickers)
	}
	if len(fpJSON) > 0 {
		_ = json.Unmarshal(fpJSON, &r.Fingerprints)
	}
	return r, nil
}

var _ domain.RelationshipStore = (*RelationshipStore)(nil)
