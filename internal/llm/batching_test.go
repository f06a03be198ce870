package llm

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rooneydude/kalshibot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mk(ticker, event, category string) domain.Market {
	return domain.Market{Ticker: ticker, EventTicker: event, Category: category}
}

func TestBatchByEvent(t *testing.T) {
	markets := []domain.Market{
		mk("A1", "EV_A", "econ"),
		mk("A2", "EV_A", "econ"),
		mk("B1", "EV_B", "econ"), // singleton, dropped
		mk("C1", "", "econ"),     // no event, dropped
	}
	batches := BatchByEvent(markets)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	assert.Equal(t, "EV_A", batches[0][0].EventTicker)
}

func TestBatchByCategoryChunks(t *testing.T) {
	var markets []domain.Market
	for i := 0; i < 7; i++ {
		markets = append(markets, mk(fmt.Sprintf("M%d", i), "EV", "econ"))
	}
	batches := BatchByCategory(markets, 3)
	require.Len(t, batches, 2, "7 markets chunk into 3+3, trailing singleton dropped")
	for _, b := range batches {
		assert.Len(t, b, 3)
	}
}

func TestBatchOrderingDeterministic(t *testing.T) {
	markets := []domain.Market{
		mk("Z1", "EV_Z", ""), mk("Z2", "EV_Z", ""),
		mk("A1", "EV_A", ""), mk("A2", "EV_A", ""),
	}
	first := BatchByEvent(markets)
	second := BatchByEvent(markets)
	require.Equal(t, len(first), len(second))
	assert.Equal(t, "EV_A", first[0][0].EventTicker)
	assert.Equal(t, "EV_Z", first[1][0].EventTicker)
}
