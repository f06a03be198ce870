// Package marketcache holds the canonical in-memory view of live market
// quotes and settlement rules. The cache is the exclusive owner of Market
// records: one ingestion worker writes, every other component reads through
// immutable snapshots.
package marketcache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// Cache is a versioned copy-on-write market table. Writers replace the
// table under the write lock; readers copy what they need under the read
// lock, so a PriceView observes one coherent tick and writers never block
// mid-view.
type Cache struct {
	mu      sync.RWMutex
	version uint64
	table   map[string]domain.Market
	byEvent map[string][]string
	logger  *slog.Logger
}

// New creates an empty Cache.
func New(logger *slog.Logger) *Cache {
	return &Cache{
		table:   make(map[string]domain.Market),
		byEvent: make(map[string][]string),
		logger:  logger.With(slog.String("component", "market_cache")),
	}
}

// Apply merges a full or delta snapshot into the cache. Snapshots are
// append-at-monotonic-timestamp: a market whose UpdatedAt is older than the
// stored record is skipped, so late-arriving snapshots never clobber newer
// quotes. Returns the number of markets actually written.
func (c *Cache) Apply(markets []domain.Market) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]domain.Market, len(c.table)+len(markets))
	for k, v := range c.table {
		next[k] = v
	}

	applied := 0
	for _, m := range markets {
		if prev, ok := next[m.Ticker]; ok && m.UpdatedAt.Before(prev.UpdatedAt) {
			continue
		}
		if m.RulesHash == "" {
			m.RulesHash = domain.RulesFingerprint(m.RulesText)
		}
		next[m.Ticker] = m
		applied++
	}
	if applied == 0 {
		return 0
	}

	byEvent := make(map[string][]string)
	for t, m := range next {
		if m.EventTicker != "" {
			byEvent[m.EventTicker] = append(byEvent[m.EventTicker], t)
		}
	}

	c.table = next
	c.byEvent = byEvent
	c.version++
	return applied
}

// ApplyQuote merges a top-of-book delta for one ticker, preserving depth
// fields the delta does not carry. Deltas for unknown tickers or older than
// the stored record are dropped. Returns whether the quote was applied.
func (c *Cache) ApplyQuote(ticker string, q domain.Quote, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.table[ticker]
	if !ok || at.Before(prev.UpdatedAt) {
		return false
	}
	if q.YesBidDepth == 0 {
		q.YesBidDepth = prev.Quote.YesBidDepth
	}
	if q.YesAskDepth == 0 {
		q.YesAskDepth = prev.Quote.YesAskDepth
	}

	next := make(map[string]domain.Market, len(c.table))
	for k, v := range c.table {
		next[k] = v
	}
	m := prev
	m.Quote = q
	m.UpdatedAt = at
	next[ticker] = m
	c.table = next
	c.version++
	return true
}

// Get returns the market for ticker, or ErrUnknownTicker.
func (c *Cache) Get(ticker string) (domain.Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.table[ticker]
	if !ok {
		return domain.Market{}, fmt.Errorf("marketcache: %q: %w", ticker, domain.ErrUnknownTicker)
	}
	return m, nil
}

// PriceView returns a consistent snapshot of quotes for the given tickers:
// every quote comes from the same table version, so no market in the set can
// change between the first and last read. It fails with ErrUnknownTicker if
// any ticker is absent and ErrStaleMarket if any market is not open.
func (c *Cache) PriceView(tickers []string) (map[string]domain.Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := make(map[string]domain.Quote, len(tickers))
	for _, t := range tickers {
		m, ok := c.table[t]
		if !ok {
			return nil, fmt.Errorf("marketcache: %q: %w", t, domain.ErrUnknownTicker)
		}
		if !m.Tradable() {
			return nil, fmt.Errorf("marketcache: %q status %s: %w", t, m.Status, domain.ErrStaleMarket)
		}
		view[t] = m.Quote
	}
	return view, nil
}

// RulesHashes returns the settlement-rules fingerprint for each ticker that
// is present, without failing on missing ones. The catalog compares these
// against the fingerprints captured at relationship creation.
func (c *Cache) RulesHashes(tickers []string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(tickers))
	for _, t := range tickers {
		if m, ok := c.table[t]; ok {
			out[t] = m.RulesHash
		}
	}
	return out
}

// Statuses returns the status for each ticker that is present.
func (c *Cache) Statuses(tickers []string) map[string]domain.MarketStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.MarketStatus, len(tickers))
	for _, t := range tickers {
		if m, ok := c.table[t]; ok {
			out[t] = m.Status
		}
	}
	return out
}

// ByEvent returns all cached markets belonging to eventTicker.
func (c *Cache) ByEvent(eventTicker string) []domain.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tickers := c.byEvent[eventTicker]
	out := make([]domain.Market, 0, len(tickers))
	for _, t := range tickers {
		out = append(out, c.table[t])
	}
	return out
}

// All returns a copy of every cached market. Used as the discovery corpus.
func (c *Cache) All() []domain.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Market, 0, len(c.table))
	for _, m := range c.table {
		out = append(out, m)
	}
	return out
}

// Version returns the monotonically increasing table version.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Snapshots converts the current table into price-snapshot rows stamped at.
func (c *Cache) Snapshots(at time.Time) []domain.PriceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.PriceSnapshot, 0, len(c.table))
	for _, m := range c.table {
		if !m.Tradable() {
			continue
		}
		out = append(out, domain.PriceSnapshot{Ticker: m.Ticker, Quote: m.Quote, ObservedAt: at})
	}
	return out
}
