package domain

import "context"

// MarketPage is one page of a paginated market listing.
type MarketPage struct {
	Markets    []Market
	NextCursor string
}

// Exchange is the narrow interface the core consumes for all exchange
// operations. Implementations own authentication, rate limiting, and
// retry/backoff; they surface ErrRateLimited, ErrAuthExpired, ErrRejected,
// and ErrUnavailable.
type Exchange interface {
	ListOpenMarkets(ctx context.Context, cursor string) (MarketPage, error)
	GetOrderbook(ctx context.Context, ticker string) (Quote, error)
	ListEvents(ctx context.Context) ([]Event, error)
	GetEvent(ctx context.Context, eventTicker string) (Event, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrder(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListPositions(ctx context.Context) ([]ExchangePosition, error)
	GetBalance(ctx context.Context) (Balance, error)
}

// FeeEstimator prices the total expected fees, in cents, for executing every
// leg at its stated limit price for count contracts.
type FeeEstimator interface {
	EstimateCents(legs []Leg, count int64) int64
}

// Sizer is the governor's sizing oracle, consulted by the detector at
// emission time. maxLossPerContractCents is the worst-case per-contract loss
// of the multi-leg position under asymmetric fills.
type Sizer interface {
	SizeContracts(minLegDepth, maxLossPerContractCents int64) int64
}

// RelationshipDiscoverer proposes typed relationships for a batch of
// markets. The catalog validates and stores candidates; it never parses
// free-form text itself.
type RelationshipDiscoverer interface {
	Discover(ctx context.Context, markets []Market) ([]Relationship, error)
}

// RelationshipValidator re-checks a stored relationship against the involved
// markets' current titles and rules.
type RelationshipValidator interface {
	Revalidate(ctx context.Context, rel Relationship, markets []Market) (RevalidationResult, error)
}

// RateLimiter gates outbound exchange calls.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}
