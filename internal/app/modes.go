package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rooneydude/kalshibot/internal/llm"
)

// TradeMode runs the full pipeline: ingestion, detection, admission, and
// execution. Whether executions are live or synthetic is decided by the
// dry_run flag, not the mode.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return deps.Orch.Run(ctx)
}

// ScanMode runs ingestion and detection with synthetic execution. It
// requires dry_run to be set and refuses to start otherwise. Useful for
// validating the catalog against live prices before risking capital.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Trading.DryRun {
		return fmt.Errorf("app: scan mode requires dry_run")
	}
	a.logger.InfoContext(ctx, "starting scan mode")
	return deps.Orch.Run(ctx)
}

// DiscoverMode runs one within-event discovery pass over the current open
// markets and exits. It requires the LLM collaborator.
func (a *App) DiscoverMode(ctx context.Context, deps *Dependencies) error {
	if deps.LLM == nil {
		return fmt.Errorf("app: discover mode requires an LLM API key")
	}
	a.logger.InfoContext(ctx, "starting discovery pass")

	// One full ingestion so the cache has markets to batch.
	cursor := ""
	total := 0
	for {
		page, err := deps.Exchange.ListOpenMarkets(ctx, cursor)
		if err != nil {
			return fmt.Errorf("app: discover ingestion: %w", err)
		}
		deps.Cache.Apply(page.Markets)
		total += len(page.Markets)
		if page.NextCursor == "" || len(page.Markets) == 0 {
			break
		}
		cursor = page.NextCursor
	}

	batches := llm.BatchByEvent(deps.Cache.All())
	stored := 0
	for i, batch := range batches {
		a.logger.InfoContext(ctx, "discovery batch",
			slog.Int("batch", i+1),
			slog.Int("of", len(batches)),
			slog.Int("markets", len(batch)),
		)
		candidates, err := deps.LLM.Discover(ctx, batch)
		if err != nil {
			a.logger.WarnContext(ctx, "discovery batch failed", slog.String("error", err.Error()))
			continue
		}
		stored += deps.Catalog.IngestCandidates(ctx, candidates)
	}

	a.logger.InfoContext(ctx, "discovery complete",
		slog.Int("markets", total),
		slog.Int("relationships_stored", stored),
	)
	return nil
}
