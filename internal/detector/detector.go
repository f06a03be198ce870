// Package detector joins the market cache with the relationship catalog and
// turns live prices into scored, time-bounded opportunities.
package detector

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rooneydude/kalshibot/internal/catalog"
	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/marketcache"
)

// Config holds detection thresholds.
type Config struct {
	MinScore              float64
	FeeSafetyMultiplier   float64
	PartitionEpsilonCents int64
	OpportunityTTL        time.Duration
	KappaFloor            float64
	SoftThresholdCents    int64
}

// Detector scans active relationships for constraint violations. Given
// identical price views and catalog contents, Scan is deterministic in its
// output set and ordering.
type Detector struct {
	catalog *catalog.Catalog
	cache   *marketcache.Cache
	fees    domain.FeeEstimator
	sizer   domain.Sizer
	cfg     Config
	logger  *slog.Logger
}

// New creates a Detector. sizer is the risk governor's sizing oracle,
// consulted at emission time so desired counts reflect current liquidity and
// portfolio state.
func New(cat *catalog.Catalog, cache *marketcache.Cache, fees domain.FeeEstimator, sizer domain.Sizer, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		catalog: cat,
		cache:   cache,
		fees:    fees,
		sizer:   sizer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "detector")),
	}
}

// Scan evaluates every active relationship against an atomic price view of
// its tickers and returns the opportunities that clear the fee gate and the
// score floor, ordered by relationship id, then signal, then first leg.
func (d *Detector) Scan(now time.Time) []domain.Opportunity {
	var out []domain.Opportunity

	for _, rel := range d.catalog.Active() {
		view, err := d.cache.PriceView(rel.Tickers)
		if err != nil {
			// Market closed or vanished between Active() and here; the
			// next fingerprint sweep will retire the relationship.
			d.logger.Debug("price view unavailable",
				slog.String("relationship_id", rel.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		var opps []domain.Opportunity
		switch rel.Type {
		case domain.RelationshipSubset:
			opps = d.checkSubset(rel, view, now)
		case domain.RelationshipThreshold:
			opps = d.checkThreshold(rel, view, now)
		case domain.RelationshipPartition:
			opps = d.checkPartition(rel, view, now)
		case domain.RelationshipImplication:
			opps = d.checkImplication(rel, view, now)
		}

		for _, opp := range opps {
			if opp.Score < d.cfg.MinScore {
				continue
			}
			out = append(out, opp)
			d.logger.Info("opportunity detected",
				slog.String("opportunity_id", opp.ID),
				slog.String("signal", string(opp.Signal)),
				slog.Int64("raw_edge_cents", opp.RawEdgeCents),
				slog.Int64("net_magnitude", opp.NetMagnitude),
				slog.Float64("score", opp.Score),
			)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RelationshipID != b.RelationshipID {
			return a.RelationshipID < b.RelationshipID
		}
		if a.Signal != b.Signal {
			return a.Signal < b.Signal
		}
		return a.Legs[0].Ticker < b.Legs[0].Ticker
	})
	return out
}

// checkSubset: SUBSET(a, b) with tickers [subset, superset]. Violation when
// the subset's ask exceeds the superset's bid; the trade rests a buy on the
// superset at its bid and a sell on the subset at its ask, locking the gap.
func (d *Detector) checkSubset(rel domain.Relationship, view map[string]domain.Quote, now time.Time) []domain.Opportunity {
	sub, sup := rel.Tickers[0], rel.Tickers[1]
	subQ, supQ := view[sub], view[sup]

	edge := subQ.YesAsk - supQ.YesBid
	if edge <= 0 {
		return nil
	}

	legs := []domain.Leg{
		{Ticker: sup, Side: domain.SideYes, Action: domain.ActionBuy, LimitPriceCents: supQ.YesBid, ObservedDepth: supQ.Depth()},
		{Ticker: sub, Side: domain.SideYes, Action: domain.ActionSell, LimitPriceCents: subQ.YesAsk, ObservedDepth: subQ.Depth()},
	}
	opp := d.emit(rel, domain.SignalBuySupersetSellSubset, legs, edge, now, false)
	if opp == nil {
		return nil
	}
	return []domain.Opportunity{*opp}
}

// checkThreshold: tickers ascend by strike, so YES prices must descend. Each
// adjacent inversion is an independent two-leg opportunity; overlapping
// pairs are all emitted and are not deduplicated. The governor's per-market
// cap checks each admission against filled positions only.
func (d *Detector) checkThreshold(rel domain.Relationship, view map[string]domain.Quote, now time.Time) []domain.Opportunity {
	var out []domain.Opportunity
	for i := 0; i+1 < len(rel.Tickers); i++ {
		lower, higher := rel.Tickers[i], rel.Tickers[i+1]
		lowQ, highQ := view[lower], view[higher]

		edge := highQ.YesAsk - lowQ.YesBid
		if edge <= 0 {
			continue
		}

		legs := []domain.Leg{
			{Ticker: lower, Side: domain.SideYes, Action: domain.ActionBuy, LimitPriceCents: lowQ.YesBid, ObservedDepth: lowQ.Depth()},
			{Ticker: higher, Side: domain.SideYes, Action: domain.ActionSell, LimitPriceCents: highQ.YesAsk, ObservedDepth: highQ.Depth()},
		}
		if opp := d.emit(rel, domain.SignalBuyLowerSellHigher, legs, edge, now, false); opp != nil {
			out = append(out, *opp)
		}
	}
	return out
}

// checkPartition: mutually exclusive, exhaustive outcomes must sum to 100.
// A sum of asks under 100-epsilon buys the whole set; a sum of bids over
// 100+epsilon sells it.
func (d *Detector) checkPartition(rel domain.Relationship, view map[string]domain.Quote, now time.Time) []domain.Opportunity {
	var sumAsk, sumBid int64
	for _, t := range rel.Tickers {
		sumAsk += view[t].YesAsk
		sumBid += view[t].YesBid
	}

	var out []domain.Opportunity
	if sumAsk < 100-d.cfg.PartitionEpsilonCents {
		legs := make([]domain.Leg, 0, len(rel.Tickers))
		for _, t := range rel.Tickers {
			q := view[t]
			legs = append(legs, domain.Leg{Ticker: t, Side: domain.SideYes, Action: domain.ActionBuy, LimitPriceCents: q.YesAsk, ObservedDepth: q.Depth()})
		}
		if opp := d.emit(rel, domain.SignalBuyAllPartition, legs, 100-sumAsk, now, false); opp != nil {
			out = append(out, *opp)
		}
	}
	if sumBid > 100+d.cfg.PartitionEpsilonCents {
		legs := make([]domain.Leg, 0, len(rel.Tickers))
		for _, t := range rel.Tickers {
			q := view[t]
			legs = append(legs, domain.Leg{Ticker: t, Side: domain.SideYes, Action: domain.ActionSell, LimitPriceCents: q.YesBid, ObservedDepth: q.Depth()})
		}
		if opp := d.emit(rel, domain.SignalSellAllPartition, legs, sumBid-100, now, false); opp != nil {
			out = append(out, *opp)
		}
	}
	return out
}

// checkImplication: soft constraint, evaluated only when the estimated
// conditional probability clears the floor. Requires a wider gap than the
// hard constraints before emitting, and tags the result probabilistic so
// the governor can policy-block it.
func (d *Detector) checkImplication(rel domain.Relationship, view map[string]domain.Quote, now time.Time) []domain.Opportunity {
	if rel.Kappa < d.cfg.KappaFloor {
		return nil
	}
	ifT, thenT := rel.Tickers[0], rel.Tickers[1]
	ifQ, thenQ := view[ifT], view[thenT]

	edge := ifQ.YesBid - thenQ.YesAsk
	if edge <= d.cfg.SoftThresholdCents {
		return nil
	}

	legs := []domain.Leg{
		{Ticker: thenT, Side: domain.SideYes, Action: domain.ActionBuy, LimitPriceCents: thenQ.YesAsk, ObservedDepth: thenQ.Depth()},
		{Ticker: ifT, Side: domain.SideYes, Action: domain.ActionSell, LimitPriceCents: ifQ.YesBid, ObservedDepth: ifQ.Depth()},
	}
	opp := d.emit(rel, domain.SignalBuyThenSellIf, legs, edge, now, true)
	if opp == nil {
		return nil
	}
	return []domain.Opportunity{*opp}
}

// emit sizes the legs through the governor's oracle, prices fees, applies
// the fee-safety gate, and assembles the Opportunity. Two-leg opportunities
// are ordered least-liquid leg first, which is the order the execution
// engine fills them in. Returns nil when the opportunity cannot clear the
// gate at any positive size.
func (d *Detector) emit(rel domain.Relationship, signal domain.Signal, legs []domain.Leg, edgeCents int64, now time.Time, probabilistic bool) *domain.Opportunity {
	if len(legs) == 2 && legs[1].ObservedDepth < legs[0].ObservedDepth {
		legs[0], legs[1] = legs[1], legs[0]
	}

	var minDepth int64
	var maxLoss int64
	for i, l := range legs {
		if i == 0 || l.ObservedDepth < minDepth {
			minDepth = l.ObservedDepth
		}
		if wc := l.WorstCaseLossCents(); wc > maxLoss {
			maxLoss = wc
		}
	}

	desired := d.sizer.SizeContracts(minDepth, maxLoss)
	if desired < 1 {
		return nil
	}
	for i := range legs {
		legs[i].DesiredCount = desired
	}

	fee := d.fees.EstimateCents(legs, desired)
	feePerContract := (fee + desired - 1) / desired
	if float64(edgeCents) <= d.cfg.FeeSafetyMultiplier*float64(feePerContract) {
		return nil
	}
	netMagnitude := edgeCents - feePerContract
	if netMagnitude <= 0 {
		return nil
	}

	liq := 1.0
	if desired > 0 {
		liq = float64(minDepth) / float64(desired)
		if liq > 1 {
			liq = 1
		}
		if liq < 0 {
			liq = 0
		}
	}

	return &domain.Opportunity{
		ID:             uuid.New().String(),
		RelationshipID: rel.ID,
		Signal:         signal,
		Legs:           legs,
		RawEdgeCents:   edgeCents,
		FeeCents:       fee,
		NetMagnitude:   netMagnitude,
		Confidence:     rel.Confidence,
		LiquidityFac:   liq,
		Score:          float64(netMagnitude) * rel.Confidence * liq,
		Probabilistic:  probabilistic,
		DetectedAt:     now,
		ExpiresAt:      now.Add(d.cfg.OpportunityTTL),
		State:          domain.OpportunityDetected,
	}
}
