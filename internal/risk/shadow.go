package risk

import (
	"sync"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// ShadowLedger tracks what would have happened in dry-run mode. Admission
// and sizing run identically to live trading; only the fills landing here
// are synthetic. The real ledger is never touched.
type ShadowLedger struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
	realized  int64
	fills     int
}

// NewShadowLedger creates an empty shadow ledger.
func NewShadowLedger() *ShadowLedger {
	return &ShadowLedger{positions: make(map[string]*domain.Position)}
}

// Apply records a synthetic fill.
func (s *ShadowLedger) Apply(fill domain.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[fill.Ticker]
	if !ok {
		pos = &domain.Position{Ticker: fill.Ticker}
		s.positions[fill.Ticker] = pos
	}
	realized := applyFillToPosition(pos, fill) - fill.FeeCents
	pos.RealizedPnLCents += realized
	s.realized += realized
	s.fills++
}

// Positions returns copies of all shadow positions.
func (s *ShadowLedger) Positions() []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// Realized returns the shadow realized P&L in cents.
func (s *ShadowLedger) Realized() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized
}

// Fills returns how many synthetic fills have been recorded.
func (s *ShadowLedger) Fills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills
}
