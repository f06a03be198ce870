package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// filledLeg is a leg with the residual exposure it contributed.
type filledLeg struct {
	idx   int
	leg   domain.Leg
	count int64
}

// hedge handles a partial fill that left net directional exposure. It makes
// one aggressive attempt to complete the missing leg, and if that fails it
// flattens the filled legs at marketable prices, accepting a bounded loss.
// Hedge execution bypasses normal admission but never the kill switch.
func (e *Engine) hedge(ctx context.Context, opp *domain.Opportunity, missing domain.Leg, count int64, filled []filledLeg) {
	if count <= 0 {
		return
	}
	if !e.gov.AllowHedge() {
		e.alert(ctx, "kill_switch", "Hedge suppressed",
			fmt.Sprintf("opportunity %s: kill switch set; %d contracts of directional exposure held", opp.ID, count))
		return
	}

	e.logger.WarnContext(ctx, "hedging directional exposure",
		slog.String("opportunity_id", opp.ID),
		slog.String("missing_ticker", missing.Ticker),
		slog.Int64("count", count),
	)

	// One aggressive re-fill of the missing leg.
	price := aggressivePrice(missing.Action, missing.LimitPriceCents, e.cfg.HedgeWidenCents)
	orderID, err := e.placeLeg(ctx, opp, 1, missing, count, price, 1)
	if err == nil {
		state := e.waitForFill(ctx, orderID, e.cfg.OrderDeadline)
		if state.FilledCount < count && state.Status != domain.OrderStatusCanceled {
			e.cancelWithRetry(ctx, orderID)
			if final, ferr := e.exchange.GetOrder(ctx, orderID); ferr == nil {
				state = final
			}
		}
		e.emitOrderFills(opp, 1, missing, state)
		if state.FilledCount >= count {
			e.logger.InfoContext(ctx, "hedge re-fill complete",
				slog.String("opportunity_id", opp.ID),
				slog.Int64("count", count),
			)
			return
		}
		count -= state.FilledCount
	} else {
		e.logger.WarnContext(ctx, "hedge re-fill placement failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}

	// Re-fill failed: flatten what we hold, bounded by the unwind cap.
	for _, f := range filled {
		toFlatten := f.count
		if count < toFlatten {
			toFlatten = count
		}
		if toFlatten <= 0 {
			continue
		}
		e.unwindLeg(ctx, opp, f.idx, f.leg, toFlatten)
	}
	e.alert(ctx, "hedge", "Directional exposure flattened",
		fmt.Sprintf("opportunity %s: flattened %d contracts after failed hedge re-fill", opp.ID, count))
}

// unwindLeg closes excess contracts from a filled leg with an aggressive
// opposite order. The limit is the entry price moved against us by at most
// the configured max unwind loss, so the worst case is bounded.
func (e *Engine) unwindLeg(ctx context.Context, opp *domain.Opportunity, legIdx int, leg domain.Leg, count int64) {
	opposite := domain.ActionSell
	if leg.Action == domain.ActionSell {
		opposite = domain.ActionBuy
	}
	limit := aggressivePrice(opposite, leg.LimitPriceCents, e.cfg.MaxUnwindLossCents)

	unwind := domain.Leg{
		Ticker:          leg.Ticker,
		Side:            leg.Side,
		Action:          opposite,
		LimitPriceCents: limit,
	}
	orderID, err := e.placeLeg(ctx, opp, legIdx, unwind, count, limit, 2)
	if err != nil {
		e.alert(ctx, "execution_error", "Unwind placement failed",
			fmt.Sprintf("opportunity %s: could not unwind %d contracts of %s: %v", opp.ID, count, leg.Ticker, err))
		return
	}
	state := e.waitForFill(ctx, orderID, e.cfg.OrderDeadline)
	if state.FilledCount < count && state.Status != domain.OrderStatusCanceled {
		e.cancelWithRetry(ctx, orderID)
		if final, ferr := e.exchange.GetOrder(ctx, orderID); ferr == nil {
			state = final
		}
	}
	e.emitOrderFills(opp, legIdx, unwind, state)
	if state.FilledCount < count {
		e.alert(ctx, "execution_error", "Unwind incomplete",
			fmt.Sprintf("opportunity %s: %d of %d contracts of %s still exposed",
				opp.ID, count-state.FilledCount, count, leg.Ticker))
	}
}

// Flatten closes a tracked position at a marketable price, for the
// operator's force-flat control. contracts is the signed net position.
func (e *Engine) Flatten(ctx context.Context, ticker string, contracts int64) error {
	if contracts == 0 {
		return nil
	}
	action := domain.ActionSell
	count := contracts
	if contracts < 0 {
		action = domain.ActionBuy
		count = -contracts
	}
	// Marketable limit at the edge of the band; the exchange crosses it
	// against the book immediately.
	limit := int64(1)
	if action == domain.ActionBuy {
		limit = 99
	}
	req := domain.OrderRequest{
		Ticker:          ticker,
		Action:          action,
		Side:            domain.SideYes,
		Count:           count,
		LimitPriceCents: limit,
		ExpirationTs:    time.Now().Add(e.cfg.OrderDeadline + e.cfg.DeadlineSkew).Unix(),
		IdempotencyKey:  domain.IdempotencyKey("force-flat-"+ticker, 0, int(time.Now().Unix())),
	}
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("executor: force flat %s: %w", ticker, err)
	}
	state := e.waitForFill(ctx, orderID, e.cfg.OrderDeadline)
	if state.FilledCount > 0 {
		price := state.AvgPriceCents
		if price == 0 {
			price = limit
		}
		e.emitFill(domain.Fill{
			OrderID:    orderID,
			Ticker:     ticker,
			Side:       domain.SideYes,
			Action:     action,
			Count:      state.FilledCount,
			PriceCents: price,
			FilledAt:   time.Now().UTC(),
		})
	}
	if state.FilledCount < count {
		e.cancelWithRetry(ctx, orderID)
		return fmt.Errorf("executor: force flat %s: %d of %d contracts flattened", ticker, state.FilledCount, count)
	}
	return nil
}
