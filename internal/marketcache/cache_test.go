package marketcache

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rooneydude/kalshibot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkMarket(ticker string, yesAsk, yesBid int64, at time.Time) domain.Market {
	return domain.Market{
		Ticker:      ticker,
		EventTicker: "EV",
		Status:      domain.MarketStatusOpen,
		Quote: domain.Quote{
			YesBid: yesBid, YesAsk: yesAsk,
			NoBid: 100 - yesAsk, NoAsk: 100 - yesBid,
			YesBidDepth: 10, YesAskDepth: 10,
		},
		RulesText: "rules " + ticker,
		UpdatedAt: at,
	}
}

func TestRoundTripLastWrite(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()

	c.Apply([]domain.Market{mkMarket("A", 50, 48, t0)})
	c.Apply([]domain.Market{mkMarket("A", 55, 53, t0.Add(time.Second))})

	view, err := c.PriceView([]string{"A"})
	require.NoError(t, err)
	assert.Equal(t, int64(55), view["A"].YesAsk)
	assert.Equal(t, int64(53), view["A"].YesBid)
}

func TestOlderSnapshotNeverOverwrites(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()

	c.Apply([]domain.Market{mkMarket("A", 55, 53, t0)})
	applied := c.Apply([]domain.Market{mkMarket("A", 40, 38, t0.Add(-time.Minute))})
	assert.Zero(t, applied)

	m, err := c.Get("A")
	require.NoError(t, err)
	assert.Equal(t, int64(55), m.Quote.YesAsk)
}

func TestPriceViewUnknownTicker(t *testing.T) {
	c := New(testLogger())
	_, err := c.PriceView([]string{"NOPE"})
	assert.True(t, errors.Is(err, domain.ErrUnknownTicker))
}

func TestPriceViewStaleMarket(t *testing.T) {
	c := New(testLogger())
	m := mkMarket("A", 50, 48, time.Now().UTC())
	m.Status = domain.MarketStatusClosed
	c.Apply([]domain.Market{m})

	_, err := c.PriceView([]string{"A"})
	assert.True(t, errors.Is(err, domain.ErrStaleMarket))
}

func TestPriceViewIsConsistentCopy(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()
	c.Apply([]domain.Market{mkMarket("A", 50, 48, t0), mkMarket("B", 30, 28, t0)})

	view, err := c.PriceView([]string{"A", "B"})
	require.NoError(t, err)

	// Mutating the cache after the view is taken must not change the view.
	c.Apply([]domain.Market{mkMarket("A", 90, 88, t0.Add(time.Second))})
	assert.Equal(t, int64(50), view["A"].YesAsk)
}

func TestApplyQuoteMergesDepth(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()
	c.Apply([]domain.Market{mkMarket("A", 50, 48, t0)})

	ok := c.ApplyQuote("A", domain.Quote{YesBid: 51, YesAsk: 53, NoBid: 47, NoAsk: 49}, t0.Add(time.Second))
	require.True(t, ok)

	m, err := c.Get("A")
	require.NoError(t, err)
	assert.Equal(t, int64(53), m.Quote.YesAsk)
	// Depth not carried by the delta is preserved from the full snapshot.
	assert.Equal(t, int64(10), m.Quote.YesBidDepth)

	// Older deltas and unknown tickers are dropped.
	assert.False(t, c.ApplyQuote("A", domain.Quote{YesAsk: 1}, t0.Add(-time.Hour)))
	assert.False(t, c.ApplyQuote("ZZZ", domain.Quote{YesAsk: 1}, t0))
}

func TestRulesFingerprintTracksChanges(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()
	c.Apply([]domain.Market{mkMarket("A", 50, 48, t0)})

	before := c.RulesHashes([]string{"A"})["A"]
	require.NotEmpty(t, before)

	changed := mkMarket("A", 50, 48, t0.Add(time.Second))
	changed.RulesText = "amended rules"
	changed.RulesHash = ""
	c.Apply([]domain.Market{changed})

	after := c.RulesHashes([]string{"A"})["A"]
	assert.NotEqual(t, before, after)
}

func TestByEventAndSnapshots(t *testing.T) {
	c := New(testLogger())
	t0 := time.Now().UTC()
	closed := mkMarket("C", 10, 8, t0)
	closed.Status = domain.MarketStatusSettled
	c.Apply([]domain.Market{mkMarket("A", 50, 48, t0), mkMarket("B", 30, 28, t0), closed})

	assert.Len(t, c.ByEvent("EV"), 3)

	snaps := c.Snapshots(t0)
	assert.Len(t, snaps, 2, "settled markets are not snapshotted")
}

func TestVersionAdvancesOnWrite(t *testing.T) {
	c := New(testLogger())
	v0 := c.Version()
	c.Apply([]domain.Market{mkMarket("A", 50, 48, time.Now().UTC())})
	assert.Greater(t, c.Version(), v0)
}
