package domain

// Position is the tracked inventory for one ticker. NetContracts is signed:
// positive for net-long YES. The ledger invariant is that NetContracts always
// equals the signed sum of confirmed fills for the ticker.
type Position struct {
	Ticker             string
	NetContracts       int64
	AvgEntryCents      int64
	RealizedPnLCents   int64
	UnrealizedPnLCents int64
}

// Flat reports whether the position holds no contracts.
func (p Position) Flat() bool { return p.NetContracts == 0 }

// ExchangePosition is the exchange's own view of a position, fetched during
// reconciliation to detect drift and orphaned orders.
type ExchangePosition struct {
	Ticker        string
	NetContracts  int64
	AvgPriceCents int64
}

// Balance is the account cash balance in cents.
type Balance struct {
	Cents int64
}
