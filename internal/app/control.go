package app

import (
	"context"
	"fmt"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// Control is the minimal operational surface: every method is one call to
// the governor (or, for flattening, the governor's view handed to the
// engine).
type Control struct {
	deps *Dependencies
}

// Control returns the operational surface for the wired application.
func (a *App) Control(deps *Dependencies) *Control {
	return &Control{deps: deps}
}

// EngageKillSwitch halts admissions and cancels in-flight orders.
func (c *Control) EngageKillSwitch(reason string) {
	c.deps.Governor.EngageKillSwitch(reason)
}

// DisengageKillSwitch re-enables trading.
func (c *Control) DisengageKillSwitch() {
	c.deps.Governor.DisengageKillSwitch()
}

// ListOpenOpportunities returns opportunities holding admission slots.
func (c *Control) ListOpenOpportunities() []domain.Opportunity {
	return c.deps.Governor.ListOpenOpportunities()
}

// ListPositions returns all non-flat tracked positions.
func (c *Control) ListPositions() []domain.Position {
	return c.deps.Governor.ListPositions()
}

// ForceFlat closes the tracked position in ticker at marketable prices.
func (c *Control) ForceFlat(ctx context.Context, ticker string) error {
	pos := c.deps.Governor.Position(ticker)
	if pos.Flat() {
		return fmt.Errorf("app: position %s already flat", ticker)
	}
	return c.deps.Engine.Flatten(ctx, ticker, pos.NetContracts)
}
