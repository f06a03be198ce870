package notify

import (
	"fmt"
	"strings"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// Event types recognised by the notifier filter.
const (
	EventOpportunity  = "opportunity"
	EventTrade        = "trade"
	EventError        = "execution_error"
	EventKillSwitch   = "kill_switch"
	EventHedge        = "hedge"
	EventOrphanOrder  = "orphan_order"
	EventDailySummary = "daily_summary"
)

// FormatOpportunity renders a detected opportunity for an alert body.
func FormatOpportunity(opp domain.Opportunity) (title, message string) {
	var sb strings.Builder
	for _, l := range opp.Legs {
		fmt.Fprintf(&sb, "%s %d x %s @ %d¢\n",
			strings.ToUpper(string(l.Action)), l.DesiredCount, l.Ticker, l.LimitPriceCents)
	}
	fmt.Fprintf(&sb, "edge %d¢/contract, net %d¢, score %.4f",
		opp.RawEdgeCents, opp.NetMagnitude, opp.Score)
	return fmt.Sprintf("Opportunity: %s", opp.Signal), sb.String()
}

// FormatDailySummary renders the once-a-day portfolio digest.
func FormatDailySummary(opportunities, trades int, dailyPnLCents int64, openPositions int) (title, message string) {
	return "Daily summary", fmt.Sprintf(
		"opportunities: %d\ntrades: %d\ndaily P&L: $%.2f\nopen positions: %d",
		opportunities, trades, float64(dailyPnLCents)/100, openPositions,
	)
}
