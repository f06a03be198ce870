package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fillPlan scripts how much of an order (keyed by idempotency key) fills.
type fillPlan struct {
	fill int64
	err  error
}

// fakeExchange is a scriptable in-memory exchange. Orders dedupe on the
// idempotency key, as the real adapter does.
type fakeExchange struct {
	mu        sync.Mutex
	plans     map[string]fillPlan
	placed    []domain.OrderRequest
	byID      map[string]domain.OrderRequest
	cancelled []string
	onPlace   func(req domain.OrderRequest)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		plans: make(map[string]fillPlan),
		byID:  make(map[string]domain.OrderRequest),
	}
}

func (f *fakeExchange) plan(idemKey string, fill int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[idemKey] = fillPlan{fill: fill}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	orderID := "ord-" + req.IdempotencyKey
	if _, dup := f.byID[orderID]; dup {
		f.mu.Unlock()
		return orderID, nil // idempotent resubmission
	}
	if p, ok := f.plans[req.IdempotencyKey]; ok && p.err != nil {
		f.mu.Unlock()
		return "", p.err
	}
	f.byID[orderID] = req
	f.placed = append(f.placed, req)
	hook := f.onPlace
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return orderID, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (domain.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.byID[orderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("fake: order %s: %w", orderID, domain.ErrNotFound)
	}
	p := f.plans[req.IdempotencyKey]
	fill := p.fill
	if fill > req.Count {
		fill = req.Count
	}
	status := domain.OrderStatusResting
	if fill == req.Count {
		status = domain.OrderStatusExecuted
	}
	for _, c := range f.cancelled {
		if c == orderID {
			status = domain.OrderStatusCanceled
		}
	}
	return domain.OrderState{
		OrderID:       orderID,
		Ticker:        req.Ticker,
		Status:        status,
		FilledCount:   fill,
		AvgPriceCents: req.LimitPriceCents,
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) placedReqs() []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

// Unused interface surface.
func (f *fakeExchange) ListOpenMarkets(context.Context, string) (domain.MarketPage, error) {
	return domain.MarketPage{}, nil
}
func (f *fakeExchange) GetOrderbook(context.Context, string) (domain.Quote, error) {
	return domain.Quote{}, nil
}
func (f *fakeExchange) ListEvents(context.Context) ([]domain.Event, error) { return nil, nil }
func (f *fakeExchange) GetEvent(context.Context, string) (domain.Event, error) {
	return domain.Event{}, nil
}
func (f *fakeExchange) ListPositions(context.Context) ([]domain.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, nil
}

var _ domain.Exchange = (*fakeExchange)(nil)

type harness struct {
	exchange *fakeExchange
	gov      *risk.Governor
	engine   *Engine
	fills    chan domain.Fill
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.OrderDeadline == 0 {
		cfg.OrderDeadline = 60 * time.Millisecond
	}
	cfg.PollInterval = 5 * time.Millisecond
	if cfg.HedgeWidenCents == 0 {
		cfg.HedgeWidenCents = 3
	}
	if cfg.MaxUnwindLossCents == 0 {
		cfg.MaxUnwindLossCents = 5
	}

	gov := risk.New(risk.Config{
		MaxRiskPerTradePct:    0.02,
		MaxDailyLossCents:     1_000_000,
		MaxOpenPositions:      10,
		MaxContractsPerTrade:  10,
		MaxContractsPerMarket: 1000,
		FeeSafetyMultiplier:   1,
	}, nil, nil, nil, testLogger())
	gov.SyncBalance(1_000_000)

	exchange := newFakeExchange()
	fills := make(chan domain.Fill, 64)
	engine := New(exchange, gov, fills, nil, nil, nil, cfg, testLogger())
	return &harness{exchange: exchange, gov: gov, engine: engine, fills: fills}
}

func (h *harness) collectFills() []domain.Fill {
	var out []domain.Fill
	for {
		select {
		case f := <-h.fills:
			out = append(out, f)
		default:
			return out
		}
	}
}

func twoLegOpp(id string, count int64) domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:     id,
		Signal: domain.SignalBuySupersetSellSubset,
		Legs: []domain.Leg{
			{Ticker: "SUP", Side: domain.SideYes, Action: domain.ActionBuy, LimitPriceCents: 50, DesiredCount: count, ObservedDepth: 15},
			{Ticker: "SUB", Side: domain.SideYes, Action: domain.ActionSell, LimitPriceCents: 60, DesiredCount: count, ObservedDepth: 20},
		},
		RawEdgeCents: 10,
		FeeCents:     2 * count * 2,
		Confidence:   0.9,
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
		State:        domain.OpportunityValidated,
	}
}

func TestTwoLegFullFill(t *testing.T) {
	h := newHarness(t, Config{})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 10)
	h.exchange.plan("opp1-1-0", 10)

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityFilled, res.State)
	assert.Equal(t, int64(10), res.FilledCount)

	placed := h.exchange.placedReqs()
	require.Len(t, placed, 2)
	assert.Equal(t, "SUP", placed[0].Ticker)
	assert.Equal(t, int64(50), placed[0].LimitPriceCents)
	// Leg 2 goes out one cent more aggressive (seller lowers).
	assert.Equal(t, "SUB", placed[1].Ticker)
	assert.Equal(t, int64(59), placed[1].LimitPriceCents)

	fills := h.collectFills()
	require.Len(t, fills, 2)
	assert.Equal(t, int64(10), fills[0].Count)
	assert.Equal(t, int64(10), fills[1].Count)
}

func TestTwoLegPartialFillMatchesLegTwo(t *testing.T) {
	// Leg 1 fills 6 of 10 by the deadline; the residual is cancelled and
	// leg 2 goes out for exactly 6. Both legs matched below desired size
	// ends PARTIAL with no directional exposure.
	h := newHarness(t, Config{})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 6)
	h.exchange.plan("opp1-1-0", 6)

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityPartial, res.State)
	assert.Equal(t, int64(6), res.FilledCount)

	placed := h.exchange.placedReqs()
	require.Len(t, placed, 2)
	assert.Equal(t, int64(6), placed[1].Count, "leg 2 must match leg 1's fill, no over-leg")
	assert.Contains(t, h.exchange.cancelled, "ord-opp1-0-0", "leg 1 residual must be cancelled")
}

func TestTwoLegZeroFillRejected(t *testing.T) {
	h := newHarness(t, Config{})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 0)

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityRejected, res.State)
	assert.Contains(t, h.exchange.cancelled, "ord-opp1-0-0")
	assert.Empty(t, h.collectFills())
}

func TestTwoLegZeroFillFailedPerConfig(t *testing.T) {
	h := newHarness(t, Config{ZeroFillIsFailure: true})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 0)

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityFailed, res.State)
}

func TestTwoLegLegTwoZeroFillHedges(t *testing.T) {
	// Leg 1 fills fully, leg 2 never fills. The hedge makes one aggressive
	// re-fill attempt; when that also fails, the leg 1 exposure is
	// flattened with a bounded-loss unwind order.
	h := newHarness(t, Config{})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 10)
	h.exchange.plan("opp1-1-0", 0)
	h.exchange.plan("opp1-1-1", 0)  // hedge re-fill attempt
	h.exchange.plan("opp1-0-2", 10) // unwind of leg 1

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityPartial, res.State)

	placed := h.exchange.placedReqs()
	require.Len(t, placed, 4)

	// Hedge re-fill: seller widened by hedge_widen_cents from 60.
	assert.Equal(t, "SUB", placed[2].Ticker)
	assert.Equal(t, int64(57), placed[2].LimitPriceCents)

	// Unwind: sell the bought leg at its entry minus the max unwind loss.
	assert.Equal(t, "SUP", placed[3].Ticker)
	assert.Equal(t, domain.ActionSell, placed[3].Action)
	assert.Equal(t, int64(45), placed[3].LimitPriceCents)
	assert.Equal(t, int64(10), placed[3].Count)
}

func TestKillSwitchBetweenLegs(t *testing.T) {
	// The switch flips while leg 1 is working: leg 2 must not be
	// submitted, the leg 1 fill is held, and the opportunity ends PARTIAL.
	h := newHarness(t, Config{})
	opp := twoLegOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 10)
	h.exchange.onPlace = func(req domain.OrderRequest) {
		if req.IdempotencyKey == "opp1-0-0" {
			h.gov.EngageKillSwitch("test")
		}
	}

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityPartial, res.State)
	assert.Len(t, h.exchange.placedReqs(), 1, "leg 2 must not be submitted under kill switch")

	fills := h.collectFills()
	require.Len(t, fills, 1)
	assert.Equal(t, "SUP", fills[0].Ticker)
}

func partitionOpp(id string, count int64) domain.Opportunity {
	now := time.Now().UTC()
	legs := make([]domain.Leg, 4)
	for i := range legs {
		legs[i] = domain.Leg{
			Ticker:          fmt.Sprintf("PART_%d", i),
			Side:            domain.SideYes,
			Action:          domain.ActionBuy,
			LimitPriceCents: 23,
			DesiredCount:    count,
			ObservedDepth:   count,
		}
	}
	return domain.Opportunity{
		ID:           id,
		Signal:       domain.SignalBuyAllPartition,
		Legs:         legs,
		RawEdgeCents: 8,
		FeeCents:     count * 4,
		Confidence:   0.9,
		DetectedAt:   now,
		ExpiresAt:    now.Add(time.Minute),
		State:        domain.OpportunityValidated,
	}
}

func TestParallelAllLegsFilled(t *testing.T) {
	h := newHarness(t, Config{})
	opp := partitionOpp("opp1", 10)
	for i := 0; i < 4; i++ {
		h.exchange.plan(fmt.Sprintf("opp1-%d-0", i), 10)
	}

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityFilled, res.State)
	assert.Equal(t, int64(10), res.FilledCount)
	assert.Len(t, h.exchange.placedReqs(), 4)
	assert.Len(t, h.collectFills(), 4)
}

func TestParallelPartialLevelsAndUnwinds(t *testing.T) {
	// One leg fills only 5 of 10: the common fill is 5, and the three
	// over-filled legs each unwind their excess 5.
	h := newHarness(t, Config{})
	opp := partitionOpp("opp1", 10)
	h.exchange.plan("opp1-0-0", 10)
	h.exchange.plan("opp1-1-0", 10)
	h.exchange.plan("opp1-2-0", 10)
	h.exchange.plan("opp1-3-0", 5)
	for i := 0; i < 3; i++ {
		h.exchange.plan(fmt.Sprintf("opp1-%d-2", i), 5) // unwinds fill
	}

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityPartial, res.State)
	assert.Equal(t, int64(5), res.FilledCount)

	var unwinds []domain.OrderRequest
	for _, req := range h.exchange.placedReqs() {
		if req.Action == domain.ActionSell {
			unwinds = append(unwinds, req)
		}
	}
	require.Len(t, unwinds, 3)
	for _, u := range unwinds {
		assert.Equal(t, int64(5), u.Count)
		// Bought at 23; unwind limit bounded at 23 - max_unwind_loss.
		assert.Equal(t, int64(18), u.LimitPriceCents)
	}
	// The short leg's residual was cancelled.
	assert.Contains(t, h.exchange.cancelled, "ord-opp1-3-0")
}

func TestDryRunSyntheticFills(t *testing.T) {
	h := newHarness(t, Config{DryRun: true})
	opp := twoLegOpp("opp1", 10)

	res := h.engine.Execute(context.Background(), opp)
	assert.Equal(t, domain.OpportunityFilled, res.State)
	assert.Empty(t, h.exchange.placedReqs(), "dry run must not touch the exchange")

	fills := h.collectFills()
	require.Len(t, fills, 2)
	assert.Equal(t, int64(50), fills[0].PriceCents)
	assert.Equal(t, int64(60), fills[1].PriceCents)
}

func TestIdempotencyKeyReuse(t *testing.T) {
	f := newFakeExchange()
	req := domain.OrderRequest{
		Ticker: "T", Action: domain.ActionBuy, Side: domain.SideYes,
		Count: 5, LimitPriceCents: 50,
		IdempotencyKey: domain.IdempotencyKey("opp1", 0, 0),
	}
	id1, err := f.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	id2, err := f.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, f.placedReqs(), 1, "resubmission with the same key must not produce a second order")
}

func TestFlatten(t *testing.T) {
	h := newHarness(t, Config{})
	h.exchange.onPlace = func(req domain.OrderRequest) {
		h.exchange.plan(req.IdempotencyKey, req.Count)
	}

	require.NoError(t, h.engine.Flatten(context.Background(), "T", 7))
	placed := h.exchange.placedReqs()
	require.Len(t, placed, 1)
	assert.Equal(t, domain.ActionSell, placed[0].Action)
	assert.Equal(t, int64(7), placed[0].Count)

	fills := h.collectFills()
	require.Len(t, fills, 1)
	assert.Equal(t, int64(7), fills[0].Count)
}
