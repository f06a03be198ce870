// Package executor turns admitted opportunities into ordered multi-leg
// order sequences and manages fills, partial-fill unwinding, cancellation,
// and timeouts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/risk"
)

// Alerter is the narrow alerting surface the engine needs.
type Alerter interface {
	Alert(ctx context.Context, event, title, message string)
}

// Config holds execution parameters.
type Config struct {
	OrderDeadline      time.Duration
	DeadlineSkew       time.Duration // exchange-side expiry = deadline + skew
	PollInterval       time.Duration
	HedgeWidenCents    int64
	MaxUnwindLossCents int64
	CancelRetries      int
	ZeroFillIsFailure  bool
	DryRun             bool
}

// Result is the terminal outcome of one execution.
type Result struct {
	State       domain.OpportunityState
	FilledCount int64 // contracts filled on every leg (the common fill)
	Reason      string
}

// Engine executes opportunities against the exchange. It assumes every
// opportunity it receives has already been admitted and sized by the
// governor.
type Engine struct {
	exchange domain.Exchange
	gov      *risk.Governor
	fillCh   chan<- domain.Fill
	opps     domain.OpportunityStore // optional
	orders   domain.OrderStore       // optional
	alerter  Alerter
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // opportunity id -> cancel
	orphans  []string
}

// New creates an Engine. fillCh delivers confirmed fills to the
// reconciliation worker; opps and orders may be nil.
func New(exchange domain.Exchange, gov *risk.Governor, fillCh chan<- domain.Fill, opps domain.OpportunityStore, orders domain.OrderStore, alerter Alerter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DeadlineSkew <= 0 {
		cfg.DeadlineSkew = 2 * time.Second
	}
	if cfg.CancelRetries <= 0 {
		cfg.CancelRetries = 3
	}
	return &Engine{
		exchange: exchange,
		gov:      gov,
		fillCh:   fillCh,
		opps:     opps,
		orders:   orders,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// CancelAll aborts every in-flight execution. Invoked from the kill-switch
// broadcast; each execution cancels its own resting orders on the way out.
func (e *Engine) CancelAll(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.inflight {
		e.logger.Warn("cancelling in-flight execution",
			slog.String("opportunity_id", id),
			slog.String("reason", reason),
		)
		cancel()
	}
}

// Orphans returns order ids that could not be cancelled within the bounded
// retry window. They are reconciled on the next position fetch.
func (e *Engine) Orphans() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.orphans))
	copy(out, e.orphans)
	return out
}

// Execute runs one admitted opportunity to a terminal state. PARTITION
// opportunities execute all legs in parallel; everything else runs the
// sequential two-leg strategy, least-liquid leg first.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) Result {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.inflight == nil {
		e.inflight = make(map[string]context.CancelFunc)
	}
	e.inflight[opp.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, opp.ID)
		e.mu.Unlock()
	}()

	// An admitted opportunity that sat in the queue past its TTL expires
	// instead of executing.
	if opp.Expired(time.Now().UTC()) {
		e.transition(ctx, &opp, domain.OpportunityExpired, "expired before execution")
		e.gov.Release(opp.ID, domain.OpportunityExpired)
		return Result{State: domain.OpportunityExpired, Reason: "expired before execution"}
	}

	var res Result
	if e.cfg.DryRun {
		res = e.executeDry(execCtx, &opp)
	} else if len(opp.Legs) > 2 || opp.Signal == domain.SignalBuyAllPartition || opp.Signal == domain.SignalSellAllPartition {
		res = e.executeParallel(execCtx, &opp)
	} else {
		res = e.executeTwoLeg(execCtx, &opp)
	}

	e.gov.Release(opp.ID, res.State)
	e.persistTerminal(ctx, &opp, res)
	return res
}

// executeDry short-circuits execution with synthetic fills at limit price.
// Admission and sizing already ran identically to live trading.
func (e *Engine) executeDry(ctx context.Context, opp *domain.Opportunity) Result {
	e.transition(ctx, opp, domain.OpportunityExecuting, "")
	count := opp.DesiredCount()
	feePerLeg := int64(0)
	if n := int64(len(opp.Legs)); n > 0 {
		feePerLeg = opp.FeeCents / n
	}
	now := time.Now().UTC()
	for i, leg := range opp.Legs {
		e.emitFill(domain.Fill{
			OrderID:       fmt.Sprintf("DRY-%s-%d", opp.ID, i),
			OpportunityID: opp.ID,
			Ticker:        leg.Ticker,
			Side:          leg.Side,
			Action:        leg.Action,
			Count:         count,
			PriceCents:    leg.LimitPriceCents,
			FeeCents:      feePerLeg,
			FilledAt:      now,
		})
		e.logger.InfoContext(ctx, "dry run fill",
			slog.String("opportunity_id", opp.ID),
			slog.String("ticker", leg.Ticker),
			slog.String("action", string(leg.Action)),
			slog.Int64("count", count),
			slog.Int64("price_cents", leg.LimitPriceCents),
		)
	}
	e.transition(ctx, opp, domain.OpportunityFilled, "")
	return Result{State: domain.OpportunityFilled, FilledCount: count}
}

// executeTwoLeg runs the sequential strategy: fill the less liquid leg
// first, then couple the second leg to whatever actually filled.
func (e *Engine) executeTwoLeg(ctx context.Context, opp *domain.Opportunity) Result {
	leg1, leg2 := opp.Legs[0], opp.Legs[1]
	count := opp.DesiredCount()

	order1, err := e.placeLeg(ctx, opp, 0, leg1, count, leg1.LimitPriceCents, 0)
	if err != nil {
		reason := fmt.Sprintf("leg 1 placement: %v", err)
		e.transition(ctx, opp, domain.OpportunityRejected, reason)
		return Result{State: domain.OpportunityRejected, Reason: reason}
	}

	state1 := e.waitForFill(ctx, order1, e.cfg.OrderDeadline)
	if state1.FilledCount < count && state1.Status != domain.OrderStatusCanceled {
		e.cancelWithRetry(ctx, order1)
		// The residual may have filled in the race between poll and cancel.
		if final, ferr := e.exchange.GetOrder(ctx, order1); ferr == nil {
			state1 = final
		}
	}

	if state1.FilledCount == 0 {
		if e.cfg.ZeroFillIsFailure {
			e.transition(ctx, opp, domain.OpportunityExecuting, "")
			e.transition(ctx, opp, domain.OpportunityFailed, "leg 1 zero fill at deadline")
			return Result{State: domain.OpportunityFailed, Reason: "leg 1 zero fill"}
		}
		e.transition(ctx, opp, domain.OpportunityRejected, "leg 1 zero fill at deadline")
		return Result{State: domain.OpportunityRejected, Reason: "leg 1 zero fill"}
	}

	filled1 := state1.FilledCount
	e.transition(ctx, opp, domain.OpportunityExecuting, "")
	e.emitOrderFills(opp, 0, leg1, state1)

	if e.gov.KillSwitchEngaged() {
		reason := "kill switch engaged before leg 2; holding leg 1 exposure"
		e.alert(ctx, "kill_switch", "Execution halted", reason)
		e.transition(ctx, opp, domain.OpportunityPartial, reason)
		return Result{State: domain.OpportunityPartial, FilledCount: 0, Reason: reason}
	}

	// Leg 2 chases the fill: one cent more aggressive than quoted.
	price2 := aggressivePrice(leg2.Action, leg2.LimitPriceCents, 1)
	order2, err := e.placeLeg(ctx, opp, 1, leg2, filled1, price2, 0)
	if err != nil {
		e.alert(ctx, "execution_error", "Leg 2 placement failed",
			fmt.Sprintf("opportunity %s: %v; holding %d contracts of %s", opp.ID, err, filled1, leg1.Ticker))
		e.hedge(ctx, opp, leg2, filled1, []filledLeg{{idx: 0, leg: leg1, count: filled1}})
		e.transition(ctx, opp, domain.OpportunityPartial, "leg 2 placement failed")
		return Result{State: domain.OpportunityPartial, Reason: "leg 2 placement failed"}
	}

	state2 := e.waitForFill(ctx, order2, e.cfg.OrderDeadline)
	if state2.FilledCount < filled1 && state2.Status != domain.OrderStatusCanceled {
		e.cancelWithRetry(ctx, order2)
		if final, ferr := e.exchange.GetOrder(ctx, order2); ferr == nil {
			state2 = final
		}
	}
	e.emitOrderFills(opp, 1, leg2, state2)

	switch {
	case state2.FilledCount >= filled1:
		if filled1 == count {
			e.transition(ctx, opp, domain.OpportunityFilled, "")
			return Result{State: domain.OpportunityFilled, FilledCount: filled1}
		}
		// Both legs matched, but below the desired size.
		reason := fmt.Sprintf("legs balanced at %d of %d contracts", filled1, count)
		e.transition(ctx, opp, domain.OpportunityPartial, reason)
		return Result{State: domain.OpportunityPartial, FilledCount: filled1, Reason: reason}
	case state2.FilledCount > 0:
		remainder := filled1 - state2.FilledCount
		e.hedge(ctx, opp, leg2, remainder, []filledLeg{{idx: 0, leg: leg1, count: remainder}})
		e.transition(ctx, opp, domain.OpportunityPartial, "leg 2 partial fill")
		return Result{State: domain.OpportunityPartial, FilledCount: state2.FilledCount, Reason: "leg 2 partial fill"}
	default:
		e.alert(ctx, "execution_error", "Leg 2 unfilled",
			fmt.Sprintf("opportunity %s: holding %d contracts of %s", opp.ID, filled1, leg1.Ticker))
		e.hedge(ctx, opp, leg2, filled1, []filledLeg{{idx: 0, leg: leg1, count: filled1}})
		e.transition(ctx, opp, domain.OpportunityPartial, "leg 2 zero fill")
		return Result{State: domain.OpportunityPartial, FilledCount: 0, Reason: "leg 2 zero fill"}
	}
}

// executeParallel submits every PARTITION leg simultaneously under a shared
// deadline, then levels the book: the largest common fill stands, excess
// fills are unwound.
func (e *Engine) executeParallel(ctx context.Context, opp *domain.Opportunity) Result {
	count := opp.DesiredCount()
	e.transition(ctx, opp, domain.OpportunityExecuting, "")

	type legOrder struct {
		idx     int
		orderID string
		state   domain.OrderState
		err     error
	}
	results := make([]legOrder, len(opp.Legs))

	var wg sync.WaitGroup
	for i, leg := range opp.Legs {
		wg.Add(1)
		go func(i int, leg domain.Leg) {
			defer wg.Done()
			orderID, err := e.placeLeg(ctx, opp, i, leg, count, leg.LimitPriceCents, 0)
			if err != nil {
				results[i] = legOrder{idx: i, err: err}
				return
			}
			state := e.waitForFill(ctx, orderID, e.cfg.OrderDeadline)
			if state.FilledCount < count && state.Status != domain.OrderStatusCanceled {
				e.cancelWithRetry(ctx, orderID)
				if final, ferr := e.exchange.GetOrder(ctx, orderID); ferr == nil {
					state = final
				}
			}
			results[i] = legOrder{idx: i, orderID: orderID, state: state}
		}(i, leg)
	}
	wg.Wait()

	common := count
	for _, r := range results {
		if r.state.FilledCount < common {
			common = r.state.FilledCount
		}
	}
	for i, r := range results {
		if r.err == nil {
			e.emitOrderFills(opp, i, opp.Legs[i], r.state)
		}
	}

	if common == count {
		e.transition(ctx, opp, domain.OpportunityFilled, "")
		return Result{State: domain.OpportunityFilled, FilledCount: count}
	}

	// Unwind anything filled beyond the common level.
	for i, r := range results {
		excess := r.state.FilledCount - common
		if excess <= 0 {
			continue
		}
		e.unwindLeg(ctx, opp, i, opp.Legs[i], excess)
	}
	reason := fmt.Sprintf("partition levelled at %d of %d contracts", common, count)
	e.transition(ctx, opp, domain.OpportunityPartial, reason)
	return Result{State: domain.OpportunityPartial, FilledCount: common, Reason: reason}
}

// placeLeg submits one leg as a GTD limit order with an exchange-side expiry
// slightly past the local deadline. The idempotency key is derived from the
// opportunity, leg index, and attempt so resubmissions of the same attempt
// dedupe on the exchange side.
func (e *Engine) placeLeg(ctx context.Context, opp *domain.Opportunity, legIdx int, leg domain.Leg, count, priceCents int64, attempt int) (string, error) {
	req := domain.OrderRequest{
		Ticker:          leg.Ticker,
		Action:          leg.Action,
		Side:            leg.Side,
		Count:           count,
		LimitPriceCents: priceCents,
		ExpirationTs:    time.Now().Add(e.cfg.OrderDeadline + e.cfg.DeadlineSkew).Unix(),
		IdempotencyKey:  domain.IdempotencyKey(opp.ID, legIdx, attempt),
	}
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if e.orders != nil {
		if serr := e.orders.Create(ctx, opp.ID, req, orderID); serr != nil {
			e.logger.WarnContext(ctx, "persist order failed",
				slog.String("order_id", orderID), slog.String("error", serr.Error()))
		}
	}
	e.logger.InfoContext(ctx, "order placed",
		slog.String("opportunity_id", opp.ID),
		slog.String("order_id", orderID),
		slog.String("ticker", leg.Ticker),
		slog.String("action", string(leg.Action)),
		slog.Int64("count", count),
		slog.Int64("limit_cents", priceCents),
	)
	return orderID, nil
}

// waitForFill polls order status until full fill, terminal state, deadline,
// or cancellation. The returned state is the last one observed.
func (e *Engine) waitForFill(ctx context.Context, orderID string, deadline time.Duration) domain.OrderState {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last domain.OrderState
	for {
		state, err := e.exchange.GetOrder(ctx, orderID)
		if err != nil {
			e.logger.WarnContext(ctx, "order status poll failed",
				slog.String("order_id", orderID), slog.String("error", err.Error()))
		} else {
			last = state
			if state.Status == domain.OrderStatusExecuted || state.Status == domain.OrderStatusCanceled {
				return last
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-timer.C:
			return last
		case <-ticker.C:
		}
	}
}

// cancelWithRetry cancels an order, retrying a bounded number of times. An
// order that survives every attempt becomes an orphan: surfaced, tracked,
// and reconciled on the next position fetch.
func (e *Engine) cancelWithRetry(ctx context.Context, orderID string) {
	var lastErr error
	for i := 0; i < e.cfg.CancelRetries; i++ {
		if err := e.exchange.CancelOrder(ctx, orderID); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
			}
			continue
		}
		return
	}
	e.mu.Lock()
	e.orphans = append(e.orphans, orderID)
	e.mu.Unlock()
	e.alert(ctx, "orphan_order", "Orphan order",
		fmt.Sprintf("order %s could not be cancelled: %v", orderID, lastErr))
}

// emitOrderFills converts an observed order state into a fill event.
func (e *Engine) emitOrderFills(opp *domain.Opportunity, legIdx int, leg domain.Leg, state domain.OrderState) {
	if state.FilledCount <= 0 {
		return
	}
	price := state.AvgPriceCents
	if price == 0 {
		price = leg.LimitPriceCents
	}
	e.emitFill(domain.Fill{
		OrderID:       state.OrderID,
		OpportunityID: opp.ID,
		Ticker:        leg.Ticker,
		Side:          leg.Side,
		Action:        leg.Action,
		Count:         state.FilledCount,
		PriceCents:    price,
		FeeCents:      perContractFee(opp, state.FilledCount, legIdx),
		FilledAt:      time.Now().UTC(),
	})
	if e.orders != nil {
		_ = e.orders.UpdateStatus(context.Background(), state.OrderID, state.Status, state.FilledCount)
	}
}

// perContractFee apportions the opportunity's fee estimate to one leg's
// actual fill.
func perContractFee(opp *domain.Opportunity, filled int64, _ int) int64 {
	desired := opp.DesiredCount()
	legs := int64(len(opp.Legs))
	if desired <= 0 || legs <= 0 {
		return 0
	}
	return opp.FeeCents * filled / (desired * legs)
}

func (e *Engine) emitFill(fill domain.Fill) {
	if e.fillCh != nil {
		e.fillCh <- fill
	}
}

func (e *Engine) transition(ctx context.Context, opp *domain.Opportunity, next domain.OpportunityState, reason string) {
	if opp.State == next {
		return
	}
	from := opp.State
	if err := opp.Transition(next); err != nil {
		// An impossible transition is an invariant violation: stop trading.
		e.gov.EngageKillSwitch(err.Error())
		return
	}
	opp.FailureReason = reason
	if e.opps != nil {
		if err := e.opps.Transition(ctx, opp.ID, from, next, reason); err != nil {
			e.logger.WarnContext(ctx, "persist transition failed",
				slog.String("opportunity_id", opp.ID), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) persistTerminal(ctx context.Context, opp *domain.Opportunity, res Result) {
	e.logger.InfoContext(ctx, "execution finished",
		slog.String("opportunity_id", opp.ID),
		slog.String("state", string(res.State)),
		slog.Int64("filled", res.FilledCount),
		slog.String("reason", res.Reason),
	)
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.alerter != nil {
		e.alerter.Alert(ctx, event, title, message)
	}
}

// aggressivePrice moves a limit price toward the market by delta cents:
// buyers raise, sellers lower. Results clamp to the valid [1,99] band.
func aggressivePrice(action domain.Action, priceCents, delta int64) int64 {
	if action == domain.ActionBuy {
		priceCents += delta
	} else {
		priceCents -= delta
	}
	if priceCents < 1 {
		priceCents = 1
	}
	if priceCents > 99 {
		priceCents = 99
	}
	return priceCents
}

// IsRejection reports whether err came from the exchange refusing an order.
func IsRejection(err error) bool {
	return errors.Is(err, domain.ErrRejected)
}
