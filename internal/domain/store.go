package domain

import (
	"context"
	"time"
)

// MarketStore persists the canonical market table.
type MarketStore interface {
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByTicker(ctx context.Context, ticker string) (Market, error)
	ListOpen(ctx context.Context) ([]Market, error)
}

// SnapshotStore appends historical price observations.
type SnapshotStore interface {
	AppendBatch(ctx context.Context, snaps []PriceSnapshot) error
	ListRange(ctx context.Context, from, to time.Time) ([]PriceSnapshot, error)
	DeleteRange(ctx context.Context, from, to time.Time) error
}

// RelationshipStore persists the catalog.
type RelationshipStore interface {
	Upsert(ctx context.Context, rel Relationship) error
	GetByID(ctx context.Context, id string) (Relationship, error)
	ListActive(ctx context.Context) ([]Relationship, error)
	MarkInvalid(ctx context.Context, id, reason string) error
}

// OpportunityStore persists opportunities. Transition must be atomic at row
// granularity so an opportunity can never be double-executed.
type OpportunityStore interface {
	Create(ctx context.Context, opp Opportunity) error
	Transition(ctx context.Context, id string, from, to OpportunityState, reason string) error
	ListByState(ctx context.Context, state OpportunityState) ([]Opportunity, error)
}

// OrderStore records order submissions and their terminal states.
type OrderStore interface {
	Create(ctx context.Context, opportunityID string, req OrderRequest, orderID string) error
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus, filledCount int64) error
}

// FillStore appends confirmed fills. Fill application is transactional with
// the position update it drives.
type FillStore interface {
	Append(ctx context.Context, fill Fill) error
	ListByTicker(ctx context.Context, ticker string) ([]Fill, error)
}

// PositionStore persists the governor's position ledger.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	List(ctx context.Context) ([]Position, error)
}
