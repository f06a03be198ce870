// Package risk enforces the global trading invariants: kill switch, daily
// loss cap, position caps, per-trade sizing, and fill reconciliation. The
// governor is the exclusive owner of the position ledger; positions move
// only on confirmed fills, never on order intent.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// RejectReason explains why admission refused an opportunity.
type RejectReason string

const (
	RejectKillSwitch   RejectReason = "KILL_SWITCH"
	RejectDailyLoss    RejectReason = "DAILY_LOSS_CAP"
	RejectPositionCap  RejectReason = "POSITION_CAP"
	RejectPerMarketCap RejectReason = "PER_MARKET_CAP"
	RejectPolicyBlock  RejectReason = "POLICY_BLOCK"
	RejectTooSmall     RejectReason = "TOO_SMALL"
	RejectExpired      RejectReason = "EXPIRED"
	RejectFeeGate      RejectReason = "FEE_GATE"
)

// RejectionError carries the admission verdict.
type RejectionError struct {
	Reason RejectReason
}

func (e *RejectionError) Error() string { return "admission rejected: " + string(e.Reason) }

// Config holds the governor's limits. Money amounts are cents.
type Config struct {
	MaxRiskPerTradePct         float64
	MaxDailyLossCents          int64
	MaxOpenPositions           int
	MaxContractsPerTrade       int64
	MaxContractsPerMarket      int64
	FeeSafetyMultiplier        float64
	RequireHumanForImplication bool
	DryRun                     bool
}

// Governor gates every execution and reconciles every fill.
type Governor struct {
	mu sync.Mutex

	cfg  Config
	fees domain.FeeEstimator

	killSwitch bool
	killReason string
	onKill     func(reason string) // broadcast cancellation, set by the app

	balanceCents   int64
	positions      map[string]*domain.Position
	dailyRealized  int64
	dailyUnreal    int64
	pnlDay         string // UTC date of the running daily P&L
	openOpps       map[string]domain.Opportunity
	tradesToday    int
	oppsToday      int

	shadow *ShadowLedger

	positionStore domain.PositionStore // optional
	fillStore     domain.FillStore     // optional

	logger *slog.Logger
}

// New creates a Governor. positionStore and fillStore may be nil for
// in-memory operation.
func New(cfg Config, fees domain.FeeEstimator, positionStore domain.PositionStore, fillStore domain.FillStore, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:           cfg,
		fees:          fees,
		positions:     make(map[string]*domain.Position),
		openOpps:      make(map[string]domain.Opportunity),
		shadow:        NewShadowLedger(),
		positionStore: positionStore,
		fillStore:     fillStore,
		logger:        logger.With(slog.String("component", "risk_governor")),
	}
}

// SetKillHandler registers the broadcast invoked when the kill switch
// engages (the engine uses it to cancel in-flight orders).
func (g *Governor) SetKillHandler(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onKill = fn
}

// Admit runs the admission checks in order and, on success, re-sizes the
// opportunity against current balance and positions and transitions it to
// VALIDATED. The returned copy is the one the engine must execute.
func (g *Governor) Admit(ctx context.Context, opp domain.Opportunity, now time.Time) (domain.Opportunity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetDailyLocked(now)

	reject := func(reason RejectReason) (domain.Opportunity, error) {
		g.logger.InfoContext(ctx, "opportunity rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("reason", string(reason)),
		)
		return domain.Opportunity{}, &RejectionError{Reason: reason}
	}

	if opp.Expired(now) {
		return reject(RejectExpired)
	}
	if g.killSwitch {
		return reject(RejectKillSwitch)
	}
	if g.dailyRealized+g.dailyUnreal <= -g.cfg.MaxDailyLossCents {
		return reject(RejectDailyLoss)
	}
	if len(g.openOpps) >= g.cfg.MaxOpenPositions {
		return reject(RejectPositionCap)
	}
	for _, leg := range opp.Legs {
		var current int64
		if p, ok := g.positions[leg.Ticker]; ok {
			current = p.NetContracts
		}
		after := current + leg.DesiredCount*legSign(leg)
		if after < 0 {
			after = -after
		}
		if after > g.cfg.MaxContractsPerMarket {
			return reject(RejectPerMarketCap)
		}
	}
	if opp.Probabilistic && g.cfg.RequireHumanForImplication {
		return reject(RejectPolicyBlock)
	}

	var maxLoss int64
	for _, leg := range opp.Legs {
		if wc := leg.WorstCaseLossCents(); wc > maxLoss {
			maxLoss = wc
		}
	}
	desired := g.sizeLocked(opp.MinLegDepth(), maxLoss)
	if desired < 1 {
		return reject(RejectTooSmall)
	}

	sized := opp
	sized.Legs = make([]domain.Leg, len(opp.Legs))
	copy(sized.Legs, opp.Legs)
	for i := range sized.Legs {
		sized.Legs[i].DesiredCount = desired
	}
	sized.FeeCents = g.fees.EstimateCents(sized.Legs, desired)
	feePerContract := (sized.FeeCents + desired - 1) / desired
	sized.NetMagnitude = sized.RawEdgeCents - feePerContract
	if sized.NetMagnitude <= 0 ||
		float64(sized.RawEdgeCents) <= g.cfg.FeeSafetyMultiplier*float64(feePerContract) {
		return reject(RejectFeeGate)
	}

	if err := sized.Transition(domain.OpportunityValidated); err != nil {
		return domain.Opportunity{}, err
	}
	g.openOpps[sized.ID] = sized
	g.oppsToday++

	g.logger.InfoContext(ctx, "opportunity admitted",
		slog.String("opportunity_id", sized.ID),
		slog.Int64("desired_count", desired),
		slog.Int64("net_magnitude", sized.NetMagnitude),
	)
	return sized, nil
}

// Release marks an admitted opportunity terminal, freeing its admission
// slot. The engine calls it with the terminal state it reached.
func (g *Governor) Release(oppID string, terminal domain.OpportunityState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.openOpps[oppID]; ok {
		delete(g.openOpps, oppID)
		if terminal == domain.OpportunityFilled || terminal == domain.OpportunityPartial {
			g.tradesToday++
		}
	}
}

// SizeContracts is the sizing oracle the detector consults at emission time.
func (g *Governor) SizeContracts(minLegDepth, maxLossPerContractCents int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sizeLocked(minLegDepth, maxLossPerContractCents)
}

func (g *Governor) sizeLocked(minLegDepth, maxLossPerContract int64) int64 {
	if maxLossPerContract <= 0 {
		maxLossPerContract = 100
	}
	riskBased := int64(g.cfg.MaxRiskPerTradePct * float64(g.balanceCents) / float64(maxLossPerContract))
	n := riskBased
	if minLegDepth < n {
		n = minLegDepth
	}
	if g.cfg.MaxContractsPerTrade < n {
		n = g.cfg.MaxContractsPerTrade
	}
	if n < 0 {
		n = 0
	}
	return n
}

func legSign(l domain.Leg) int64 {
	if l.Action == domain.ActionBuy {
		return 1
	}
	return -1
}

// ApplyFill applies one confirmed fill to the ledger: position, average
// entry, realized P&L net of fees. In dry-run mode the fill lands in the
// shadow ledger and the real ledger is untouched. A daily-loss breach
// atomically engages the kill switch.
func (g *Governor) ApplyFill(ctx context.Context, fill domain.Fill) {
	g.mu.Lock()

	if g.cfg.DryRun {
		g.shadow.Apply(fill)
		g.mu.Unlock()
		return
	}

	pos, ok := g.positions[fill.Ticker]
	if !ok {
		pos = &domain.Position{Ticker: fill.Ticker}
		g.positions[fill.Ticker] = pos
	}

	realized := applyFillToPosition(pos, fill)
	realized -= fill.FeeCents
	pos.RealizedPnLCents += realized
	g.dailyRealized += realized

	breached := g.dailyRealized+g.dailyUnreal <= -g.cfg.MaxDailyLossCents
	posCopy := *pos
	g.mu.Unlock()

	if g.fillStore != nil {
		if err := g.fillStore.Append(ctx, fill); err != nil {
			g.logger.WarnContext(ctx, "persist fill failed", slog.String("error", err.Error()))
		}
	}
	if g.positionStore != nil {
		if err := g.positionStore.Upsert(ctx, posCopy); err != nil {
			g.logger.WarnContext(ctx, "persist position failed", slog.String("error", err.Error()))
		}
	}

	if breached {
		g.EngageKillSwitch(fmt.Sprintf("daily loss cap breached (realized %d cents)", g.DailyRealized()))
	}
}

// applyFillToPosition mutates pos with the fill and returns the realized
// P&L delta in cents (before fees).
func applyFillToPosition(pos *domain.Position, fill domain.Fill) int64 {
	delta := fill.SignedContracts()
	if delta == 0 {
		return 0
	}

	var realized int64
	// Same direction as the existing position extends it at a blended
	// average; the opposite direction closes first, then flips.
	if pos.NetContracts == 0 || (pos.NetContracts > 0) == (delta > 0) {
		total := pos.NetContracts + delta
		pos.AvgEntryCents = (pos.AvgEntryCents*abs64(pos.NetContracts) + fill.PriceCents*abs64(delta)) / abs64(total)
		pos.NetContracts = total
		return 0
	}

	closing := min64(abs64(pos.NetContracts), abs64(delta))
	if pos.NetContracts > 0 {
		realized = (fill.PriceCents - pos.AvgEntryCents) * closing
	} else {
		realized = (pos.AvgEntryCents - fill.PriceCents) * closing
	}
	pos.NetContracts += delta
	if pos.NetContracts == 0 {
		pos.AvgEntryCents = 0
	} else if (pos.NetContracts > 0) != (pos.NetContracts-delta > 0) {
		// Flipped through zero; remainder opens at the fill price.
		pos.AvgEntryCents = fill.PriceCents
	}
	return realized
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MarkToMarket recomputes unrealized P&L from a price view and checks the
// daily-loss circuit. Long positions mark at the bid, shorts at the ask.
func (g *Governor) MarkToMarket(view map[string]domain.Quote) {
	g.mu.Lock()
	var unreal int64
	for t, pos := range g.positions {
		q, ok := view[t]
		if !ok || pos.NetContracts == 0 {
			pos.UnrealizedPnLCents = 0
			continue
		}
		if pos.NetContracts > 0 {
			pos.UnrealizedPnLCents = (q.YesBid - pos.AvgEntryCents) * pos.NetContracts
		} else {
			pos.UnrealizedPnLCents = (pos.AvgEntryCents - q.YesAsk) * (-pos.NetContracts)
		}
		unreal += pos.UnrealizedPnLCents
	}
	g.dailyUnreal = unreal
	breached := g.dailyRealized+g.dailyUnreal <= -g.cfg.MaxDailyLossCents
	g.mu.Unlock()

	if breached {
		g.EngageKillSwitch("daily loss cap breached on mark-to-market")
	}
}

// SyncBalance refreshes the account balance used by the sizing oracle.
func (g *Governor) SyncBalance(cents int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balanceCents = cents
}

func (g *Governor) resetDailyLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if g.pnlDay != day {
		g.pnlDay = day
		g.dailyRealized = 0
		g.dailyUnreal = 0
		g.tradesToday = 0
		g.oppsToday = 0
	}
}

// EngageKillSwitch halts all admissions and broadcasts cancellation. Safe to
// call repeatedly; only the first engagement broadcasts.
func (g *Governor) EngageKillSwitch(reason string) {
	g.mu.Lock()
	if g.killSwitch {
		g.mu.Unlock()
		return
	}
	g.killSwitch = true
	g.killReason = reason
	onKill := g.onKill
	g.mu.Unlock()

	g.logger.Error("kill switch engaged", slog.String("reason", reason))
	if onKill != nil {
		onKill(reason)
	}
}

// DisengageKillSwitch re-enables trading after operator review.
func (g *Governor) DisengageKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = false
	g.killReason = ""
	g.logger.Warn("kill switch disengaged")
}

// KillSwitchEngaged reports the current halt state.
func (g *Governor) KillSwitchEngaged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch
}

// AllowHedge reports whether a directional-unwind execution may proceed.
// Hedge tasks bypass the normal admission checks but never the kill switch.
func (g *Governor) AllowHedge() bool {
	return !g.KillSwitchEngaged()
}

// Position returns a copy of the tracked position for ticker.
func (g *Governor) Position(ticker string) domain.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.positions[ticker]; ok {
		return *p
	}
	return domain.Position{Ticker: ticker}
}

// ListPositions returns copies of all non-flat positions.
func (g *Governor) ListPositions() []domain.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Position, 0, len(g.positions))
	for _, p := range g.positions {
		if !p.Flat() {
			out = append(out, *p)
		}
	}
	return out
}

// ListOpenOpportunities returns the opportunities currently holding an
// admission slot.
func (g *Governor) ListOpenOpportunities() []domain.Opportunity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(g.openOpps))
	for _, o := range g.openOpps {
		out = append(out, o)
	}
	return out
}

// DailyRealized returns the running realized P&L for the current UTC day.
func (g *Governor) DailyRealized() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyRealized
}

// DailyPnL returns realized plus unrealized for the current UTC day.
func (g *Governor) DailyPnL() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyRealized + g.dailyUnreal
}

// Shadow exposes the dry-run ledger.
func (g *Governor) Shadow() *ShadowLedger { return g.shadow }

// DailyStats returns today's opportunity and trade counters for the summary
// alert.
func (g *Governor) DailyStats() (opportunities, trades int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oppsToday, g.tradesToday
}
