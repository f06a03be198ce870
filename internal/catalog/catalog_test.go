package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/marketcache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkMarket(ticker string, at time.Time) domain.Market {
	return domain.Market{
		Ticker:      ticker,
		EventTicker: "EV",
		Status:      domain.MarketStatusOpen,
		Quote:       domain.Quote{YesBid: 48, YesAsk: 50, NoBid: 50, NoAsk: 52, YesBidDepth: 10, YesAskDepth: 10},
		RulesText:   "rules " + ticker,
		UpdatedAt:   at,
	}
}

func newCatalog(t *testing.T, tickers ...string) (*Catalog, *marketcache.Cache) {
	t.Helper()
	cache := marketcache.New(testLogger())
	now := time.Now().UTC()
	markets := make([]domain.Market, 0, len(tickers))
	for _, tk := range tickers {
		markets = append(markets, mkMarket(tk, now))
	}
	cache.Apply(markets)
	cat := New(cache, nil, Config{ConfidenceFloor: 0.7, RevalidateInterval: 24 * time.Hour}, testLogger())
	return cat, cache
}

func TestUpsertStructuralValidation(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B", "C")
	ctx := context.Background()

	tests := []struct {
		name string
		rel  domain.Relationship
	}{
		{"repeated ticker", domain.Relationship{
			Type: domain.RelationshipSubset, Tickers: []string{"A", "A"}, Confidence: 0.9,
		}},
		{"subset arity", domain.Relationship{
			Type: domain.RelationshipSubset, Tickers: []string{"A", "B", "C"}, Confidence: 0.9,
		}},
		{"partition arity", domain.Relationship{
			Type: domain.RelationshipPartition, Tickers: []string{"A"}, Confidence: 0.9,
		}},
		{"unknown type", domain.Relationship{
			Type: "CORRELATION", Tickers: []string{"A", "B"}, Confidence: 0.9,
		}},
		{"confidence out of range", domain.Relationship{
			Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 1.5,
		}},
		{"kappa out of range", domain.Relationship{
			Type: domain.RelationshipImplication, Tickers: []string{"A", "B"}, Confidence: 0.9, Kappa: 1.2,
		}},
		{"empty ticker", domain.Relationship{
			Type: domain.RelationshipSubset, Tickers: []string{"A", ""}, Confidence: 0.9,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cat.Upsert(ctx, tt.rel)
			assert.True(t, errors.Is(err, domain.ErrMalformed), "got %v", err)
		})
	}
}

func TestUpsertDuplicateCanonicalKey(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B")
	ctx := context.Background()

	first, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)

	// Same type over the same ticker set dedupes regardless of order.
	_, err = cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"B", "A"}, Confidence: 0.8,
	})
	assert.True(t, errors.Is(err, domain.ErrDuplicateRelationship))

	// After invalidation the pair may be re-learned under a new id.
	cat.Invalidate(ctx, first.ID, "test")
	second, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.85,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestUpsertCapturesFingerprints(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B")
	rel, err := cat.Upsert(context.Background(), domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RulesFingerprint("rules A"), rel.Fingerprints["A"])
	assert.Equal(t, domain.RulesFingerprint("rules B"), rel.Fingerprints["B"])
}

func TestActiveFilters(t *testing.T) {
	cat, cache := newCatalog(t, "A", "B", "C", "D")
	ctx := context.Background()

	ok, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)

	_, err = cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"C", "D"}, Confidence: 0.5, // below floor
	})
	require.NoError(t, err)

	active := cat.Active()
	require.Len(t, active, 1)
	assert.Equal(t, ok.ID, active[0].ID)

	// Closing a market drops its relationship from Active.
	closed := mkMarket("B", time.Now().UTC().Add(time.Second))
	closed.Status = domain.MarketStatusClosed
	cache.Apply([]domain.Market{closed})
	assert.Empty(t, cat.Active())
}

func TestSettlementRulesChangeInvalidates(t *testing.T) {
	cat, cache := newCatalog(t, "A", "B")
	ctx := context.Background()

	rel, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, cat.Active(), 1)

	// B's settlement rules change on the next ingestion.
	changed := mkMarket("B", time.Now().UTC().Add(time.Second))
	changed.RulesText = "amended rules B"
	cache.Apply([]domain.Market{changed})

	// The relationship is out of Active immediately, before any sweep.
	assert.Empty(t, cat.Active())

	// The sweep makes the invalidation terminal.
	invalidated := cat.SweepFingerprints(ctx)
	assert.Equal(t, 1, invalidated)

	got, err := cat.Get(rel.ID)
	require.NoError(t, err)
	assert.True(t, got.Invalidated)
	assert.Contains(t, got.InvalidReason, "settlement rules changed")

	// Invalidation is terminal even if the rules change back.
	reverted := mkMarket("B", time.Now().UTC().Add(2*time.Second))
	cache.Apply([]domain.Market{reverted})
	assert.Empty(t, cat.Active())
}

func TestStaleForRevalidation(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B")
	ctx := context.Background()

	rel, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)

	assert.Empty(t, cat.StaleForRevalidation(time.Now().UTC()))

	stale := cat.StaleForRevalidation(time.Now().UTC().Add(25 * time.Hour))
	require.Len(t, stale, 1)
	assert.Equal(t, rel.ID, stale[0].ID)
}

// stubValidator returns a fixed verdict.
type stubValidator struct {
	valid      bool
	confidence float64
	calls      int
}

func (s *stubValidator) Revalidate(_ context.Context, _ domain.Relationship, _ []domain.Market) (domain.RevalidationResult, error) {
	s.calls++
	return domain.RevalidationResult{StillValid: s.valid, Confidence: s.confidence}, nil
}

func TestRevalidateUpdatesConfidence(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B")
	ctx := context.Background()

	rel, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.75,
	})
	require.NoError(t, err)

	v := &stubValidator{valid: true, confidence: 0.95}
	require.NoError(t, cat.Revalidate(ctx, rel.ID, v))
	assert.Equal(t, 1, v.calls)

	got, err := cat.Get(rel.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.Confidence)
	assert.False(t, got.Invalidated)
}

func TestRevalidateRejectionInvalidates(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B")
	ctx := context.Background()

	rel, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)

	require.NoError(t, cat.Revalidate(ctx, rel.ID, &stubValidator{valid: false}))
	got, err := cat.Get(rel.ID)
	require.NoError(t, err)
	assert.True(t, got.Invalidated)
}

func TestRevalidateFingerprintMismatchSkipsValidator(t *testing.T) {
	cat, cache := newCatalog(t, "A", "B")
	ctx := context.Background()

	rel, err := cat.Upsert(ctx, domain.Relationship{
		Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9,
	})
	require.NoError(t, err)

	changed := mkMarket("A", time.Now().UTC().Add(time.Second))
	changed.RulesText = "different"
	cache.Apply([]domain.Market{changed})

	v := &stubValidator{valid: true, confidence: 0.99}
	require.NoError(t, cat.Revalidate(ctx, rel.ID, v))
	assert.Zero(t, v.calls, "fingerprint mismatch is a hard invalidation; validator must not run")

	got, err := cat.Get(rel.ID)
	require.NoError(t, err)
	assert.True(t, got.Invalidated)
}

func TestIngestCandidates(t *testing.T) {
	cat, _ := newCatalog(t, "A", "B", "C")
	stored := cat.IngestCandidates(context.Background(), []domain.Relationship{
		{Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.9},
		{Type: domain.RelationshipSubset, Tickers: []string{"A", "B"}, Confidence: 0.8},  // duplicate
		{Type: domain.RelationshipSubset, Tickers: []string{"A"}, Confidence: 0.9},       // malformed
		{Type: domain.RelationshipThreshold, Tickers: []string{"B", "C"}, Confidence: 0.9},
	})
	assert.Equal(t, 2, stored)
}
