package detector

import (
	"github.com/rooneydude/kalshibot/internal/domain"
)

// KalshiFees implements the exchange fee schedule:
//
//	taker fee = 0.07 * C * P * (1-P) dollars, P in dollars
//
// rounded up to the next cent, computed in integer cents to avoid float ceil
// artifacts. Maker fees are
// 25% of taker; the detector assumes taker on every leg, which is the
// conservative bound.
type KalshiFees struct{}

// TakerFeeCents returns the taker fee in cents for count contracts at
// priceCents.
func (KalshiFees) TakerFeeCents(count, priceCents int64) int64 {
	if count <= 0 || priceCents <= 0 || priceCents >= 100 {
		return 0
	}
	raw := 7 * count * priceCents * (100 - priceCents)
	return (raw + 9999) / 10000
}

// EstimateCents sums the worst-case (taker) fee across all legs.
func (f KalshiFees) EstimateCents(legs []domain.Leg, count int64) int64 {
	var total int64
	for _, l := range legs {
		total += f.TakerFeeCents(count, l.LimitPriceCents)
	}
	return total
}

var _ domain.FeeEstimator = KalshiFees{}

// FlatFees charges a fixed fee per contract per leg. Used in tests and
// paper configurations where the exact exchange schedule is not the point.
type FlatFees struct {
	CentsPerContract int64
}

// EstimateCents returns CentsPerContract * count * number of legs.
func (f FlatFees) EstimateCents(legs []domain.Leg, count int64) int64 {
	return f.CentsPerContract * count * int64(len(legs))
}

var _ domain.FeeEstimator = FlatFees{}
