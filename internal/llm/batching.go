package llm

import (
	"sort"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// BatchByEvent groups markets by event ticker. Markets in the same event are
// the densest source of relationships, so this pass runs most often. Groups
// with a single market are dropped.
func BatchByEvent(markets []domain.Market) [][]domain.Market {
	groups := make(map[string][]domain.Market)
	for _, m := range markets {
		key := m.EventTicker
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], m)
	}
	return sortedBatches(groups, 0)
}

// BatchByCategory groups markets by category and chunks oversized groups so
// a single batch stays within maxBatch markets.
func BatchByCategory(markets []domain.Market, maxBatch int) [][]domain.Market {
	groups := make(map[string][]domain.Market)
	for _, m := range markets {
		key := m.Category
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], m)
	}
	return sortedBatches(groups, maxBatch)
}

func sortedBatches(groups map[string][]domain.Market, maxBatch int) [][]domain.Market {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var batches [][]domain.Market
	for _, k := range keys {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		if maxBatch <= 0 || len(group) <= maxBatch {
			batches = append(batches, group)
			continue
		}
		for i := 0; i < len(group); i += maxBatch {
			end := i + maxBatch
			if end > len(group) {
				end = len(group)
			}
			if end-i >= 2 {
				batches = append(batches, group[i:end])
			}
		}
	}
	return batches
}
