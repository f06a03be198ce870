package risk

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flatFees charges one cent per contract per leg.
type flatFees struct{ cents int64 }

func (f flatFees) EstimateCents(legs []domain.Leg, count int64) int64 {
	return f.cents * count * int64(len(legs))
}

func baseConfig() Config {
	return Config{
		MaxRiskPerTradePct:    0.02,
		MaxDailyLossCents:     100,
		MaxOpenPositions:      10,
		MaxContractsPerTrade:  10,
		MaxContractsPerMarket: 50,
		FeeSafetyMultiplier:   1,
	}
}

func newGovernor(cfg Config) *Governor {
	g := New(cfg, flatFees{cents: 1}, nil, nil, testLogger())
	g.SyncBalance(100_000) // $1,000
	return g
}

func mkOpp(id string, edge int64, legs ...domain.Leg) domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:             id,
		RelationshipID: "rel-1",
		Signal:         domain.SignalBuySupersetSellSubset,
		Legs:           legs,
		RawEdgeCents:   edge,
		Confidence:     0.9,
		DetectedAt:     now,
		ExpiresAt:      now.Add(15 * time.Second),
		State:          domain.OpportunityDetected,
	}
}

func twoLegs(count int64) []domain.Leg {
	return []domain.Leg{
		{Ticker: "SUP", Action: domain.ActionBuy, Side: domain.SideYes, LimitPriceCents: 50, DesiredCount: count, ObservedDepth: 20},
		{Ticker: "SUB", Action: domain.ActionSell, Side: domain.SideYes, LimitPriceCents: 60, DesiredCount: count, ObservedDepth: 20},
	}
}

func reason(t *testing.T, err error) RejectReason {
	t.Helper()
	var rej *RejectionError
	require.True(t, errors.As(err, &rej), "want RejectionError, got %v", err)
	return rej.Reason
}

func TestAdmitSizesAndValidates(t *testing.T) {
	g := newGovernor(baseConfig())
	opp := mkOpp("o1", 10, twoLegs(10)...)

	sized, err := g.Admit(context.Background(), opp, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityValidated, sized.State)
	// min(risk-based 0.02*100000/50=40, depth 20, per-trade cap 10) = 10.
	assert.Equal(t, int64(10), sized.DesiredCount())
	assert.Equal(t, int64(20), sized.FeeCents) // 1c x 10 x 2 legs
	assert.Equal(t, int64(8), sized.NetMagnitude)
	assert.Len(t, g.ListOpenOpportunities(), 1)
}

func TestAdmitExpired(t *testing.T) {
	g := newGovernor(baseConfig())
	opp := mkOpp("o1", 10, twoLegs(10)...)
	_, err := g.Admit(context.Background(), opp, time.Now().UTC().Add(time.Minute))
	assert.Equal(t, RejectExpired, reason(t, err))
}

func TestAdmitKillSwitch(t *testing.T) {
	g := newGovernor(baseConfig())
	g.EngageKillSwitch("operator")
	_, err := g.Admit(context.Background(), mkOpp("o1", 10, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectKillSwitch, reason(t, err))

	g.DisengageKillSwitch()
	_, err = g.Admit(context.Background(), mkOpp("o2", 10, twoLegs(10)...), time.Now().UTC())
	assert.NoError(t, err)
}

func TestAdmitPositionCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositions = 1
	g := newGovernor(cfg)
	ctx := context.Background()

	_, err := g.Admit(ctx, mkOpp("o1", 10, twoLegs(10)...), time.Now().UTC())
	require.NoError(t, err)

	_, err = g.Admit(ctx, mkOpp("o2", 10, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectPositionCap, reason(t, err))

	// Releasing the slot re-opens admission.
	g.Release("o1", domain.OpportunityFilled)
	_, err = g.Admit(ctx, mkOpp("o3", 10, twoLegs(10)...), time.Now().UTC())
	assert.NoError(t, err)
}

func TestAdmitPerMarketCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContractsPerMarket = 15
	g := newGovernor(cfg)
	ctx := context.Background()

	g.ApplyFill(ctx, domain.Fill{
		Ticker: "SUP", Action: domain.ActionBuy, Side: domain.SideYes,
		Count: 10, PriceCents: 50, FilledAt: time.Now().UTC(),
	})

	_, err := g.Admit(ctx, mkOpp("o1", 10, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectPerMarketCap, reason(t, err))
}

func TestAdmitPolicyBlockForImplication(t *testing.T) {
	cfg := baseConfig()
	cfg.RequireHumanForImplication = true
	g := newGovernor(cfg)

	opp := mkOpp("o1", 20, twoLegs(10)...)
	opp.Probabilistic = true
	_, err := g.Admit(context.Background(), opp, time.Now().UTC())
	assert.Equal(t, RejectPolicyBlock, reason(t, err))
}

func TestAdmitTooSmall(t *testing.T) {
	g := newGovernor(baseConfig())
	g.SyncBalance(0)
	_, err := g.Admit(context.Background(), mkOpp("o1", 10, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectTooSmall, reason(t, err))
}

func TestAdmitFeeGate(t *testing.T) {
	g := newGovernor(baseConfig())
	// Edge 2 with 2 cents/contract of fees: not admissible at multiplier 1.
	_, err := g.Admit(context.Background(), mkOpp("o1", 2, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectFeeGate, reason(t, err))
}

func TestSizeContracts(t *testing.T) {
	g := newGovernor(baseConfig())
	// risk-based: 0.02 * 100000 / 50 = 40; depth 30; cap 10.
	assert.Equal(t, int64(10), g.SizeContracts(30, 50))
	// depth is the binding constraint.
	assert.Equal(t, int64(5), g.SizeContracts(5, 50))
	// risk-based is the binding constraint with a thin balance.
	g.SyncBalance(1_000)
	assert.Equal(t, int64(0), g.SizeContracts(30, 50))
}

func TestPositionLedgerEqualsFills(t *testing.T) {
	g := newGovernor(baseConfig())
	ctx := context.Background()

	fills := []domain.Fill{
		{Ticker: "T", Action: domain.ActionBuy, Count: 10, PriceCents: 50},
		{Ticker: "T", Action: domain.ActionBuy, Count: 10, PriceCents: 60},
		{Ticker: "T", Action: domain.ActionSell, Count: 5, PriceCents: 70},
	}
	var signed int64
	for _, f := range fills {
		f.FilledAt = time.Now().UTC()
		g.ApplyFill(ctx, f)
		signed += f.SignedContracts()
	}

	pos := g.Position("T")
	assert.Equal(t, signed, pos.NetContracts)
	assert.Equal(t, int64(15), pos.NetContracts)
	assert.Equal(t, int64(55), pos.AvgEntryCents)
	assert.Equal(t, int64(75), pos.RealizedPnLCents) // (70-55)*5
}

func TestPositionFlipThroughZero(t *testing.T) {
	g := newGovernor(baseConfig())
	ctx := context.Background()

	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionBuy, Count: 5, PriceCents: 40, FilledAt: time.Now().UTC()})
	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionSell, Count: 8, PriceCents: 45, FilledAt: time.Now().UTC()})

	pos := g.Position("T")
	assert.Equal(t, int64(-3), pos.NetContracts)
	assert.Equal(t, int64(45), pos.AvgEntryCents) // remainder opens at fill price
	assert.Equal(t, int64(25), pos.RealizedPnLCents)
}

func TestDailyLossCircuitBreaker(t *testing.T) {
	g := newGovernor(baseConfig()) // cap: 100 cents
	ctx := context.Background()

	var killReason string
	g.SetKillHandler(func(reason string) { killReason = reason })

	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionBuy, Count: 10, PriceCents: 50, FilledAt: time.Now().UTC()})
	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionSell, Count: 9, PriceCents: 39, FilledAt: time.Now().UTC()})
	// Realized -99: one cent inside the cap, still trading.
	assert.Equal(t, int64(-99), g.DailyRealized())
	assert.False(t, g.KillSwitchEngaged())

	// One further losing fill of 2 cents plus fee crosses the threshold.
	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionSell, Count: 1, PriceCents: 48, FeeCents: 1, FilledAt: time.Now().UTC()})
	assert.True(t, g.KillSwitchEngaged())
	assert.NotEmpty(t, killReason)

	// No admissions after the breach.
	_, err := g.Admit(ctx, mkOpp("o1", 10, twoLegs(10)...), time.Now().UTC())
	assert.Equal(t, RejectKillSwitch, reason(t, err))
}

func TestMarkToMarketBreachEngagesKillSwitch(t *testing.T) {
	g := newGovernor(baseConfig())
	ctx := context.Background()

	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionBuy, Count: 10, PriceCents: 50, FilledAt: time.Now().UTC()})
	g.MarkToMarket(map[string]domain.Quote{"T": {YesBid: 30, YesAsk: 32}})

	// Unrealized (30-50)*10 = -200 breaches the 100-cent cap.
	assert.True(t, g.KillSwitchEngaged())
	assert.Equal(t, int64(-200), g.DailyPnL())
}

func TestDailyReset(t *testing.T) {
	g := newGovernor(baseConfig())
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := g.Admit(ctx, mkOpp("seed", 10, twoLegs(10)...), now)
	require.NoError(t, err)

	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionBuy, Count: 1, PriceCents: 50, FeeCents: 50, FilledAt: now})
	assert.Equal(t, int64(-50), g.DailyRealized())

	// Admission on the next UTC day resets the running P&L.
	next := mkOpp("o2", 10, twoLegs(10)...)
	next.DetectedAt = now.AddDate(0, 0, 1)
	next.ExpiresAt = next.DetectedAt.Add(15 * time.Second)
	_, err = g.Admit(ctx, next, now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), g.DailyRealized())
}

func TestDryRunRoutesToShadowLedger(t *testing.T) {
	cfg := baseConfig()
	cfg.DryRun = true
	g := newGovernor(cfg)
	ctx := context.Background()

	g.ApplyFill(ctx, domain.Fill{Ticker: "T", Action: domain.ActionBuy, Count: 10, PriceCents: 50, FilledAt: time.Now().UTC()})

	assert.Empty(t, g.ListPositions(), "real ledger must stay untouched in dry-run")
	assert.Equal(t, int64(0), g.DailyRealized())

	shadow := g.Shadow().Positions()
	require.Len(t, shadow, 1)
	assert.Equal(t, int64(10), shadow[0].NetContracts)
	assert.Equal(t, 1, g.Shadow().Fills())
}

func TestAllowHedgeOnlyBlockedByKillSwitch(t *testing.T) {
	g := newGovernor(baseConfig())
	assert.True(t, g.AllowHedge())
	g.EngageKillSwitch("test")
	assert.False(t, g.AllowHedge())
}
