// Package pipeline coordinates the worker topology: one ingestion worker,
// one scan worker, a bounded opportunity queue feeding a small pool of
// execution workers, and one reconciliation worker consuming fill events.
// Shared state sits behind single-writer boundaries; workers communicate
// through channels and immutable snapshots.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rooneydude/kalshibot/internal/catalog"
	"github.com/rooneydude/kalshibot/internal/detector"
	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/executor"
	"github.com/rooneydude/kalshibot/internal/llm"
	"github.com/rooneydude/kalshibot/internal/marketcache"
	"github.com/rooneydude/kalshibot/internal/notify"
	"github.com/rooneydude/kalshibot/internal/risk"
)

// Config holds pipeline cadences and sizes.
type Config struct {
	FullScanInterval   time.Duration
	RecheckInterval    time.Duration
	RescanInterval     time.Duration // relationship discovery / revalidation
	ReconcileInterval  time.Duration
	Workers            int
	QueueCapacity      int
	DiscoveryBatchMax  int
}

// Orchestrator owns the pipeline goroutines and the channels between them.
type Orchestrator struct {
	exchange   domain.Exchange
	cache      *marketcache.Cache
	cat        *catalog.Catalog
	det        *detector.Detector
	gov        *risk.Governor
	eng        *executor.Engine
	discoverer domain.RelationshipDiscoverer // optional
	validator  domain.RelationshipValidator  // optional
	notifier   *notify.Notifier

	marketStore domain.MarketStore      // optional
	snapStore   domain.SnapshotStore    // optional
	oppStore    domain.OpportunityStore // optional
	archiver    *Archiver               // optional

	fillCh      chan domain.Fill
	oppQueue    chan domain.Opportunity
	feedFactory func(tickers []string) DeltaFeed // optional

	cfg    Config
	logger *slog.Logger
}

// NewOrchestrator wires the pipeline. The returned orchestrator owns fillCh
// and oppQueue; hand FillCh to the execution engine.
func NewOrchestrator(
	exchange domain.Exchange,
	cache *marketcache.Cache,
	cat *catalog.Catalog,
	det *detector.Detector,
	gov *risk.Governor,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.FullScanInterval <= 0 {
		cfg.FullScanInterval = time.Minute
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 15 * time.Second
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 24 * time.Hour
	}
	return &Orchestrator{
		exchange: exchange,
		cache:    cache,
		cat:      cat,
		det:      det,
		gov:      gov,
		notifier: notifier,
		fillCh:   make(chan domain.Fill, 256),
		oppQueue: make(chan domain.Opportunity, cfg.QueueCapacity),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// FillCh returns the channel the execution engine delivers fills on.
func (o *Orchestrator) FillCh() chan<- domain.Fill { return o.fillCh }

// SetEngine attaches the execution engine (built after the orchestrator so
// it can be given FillCh).
func (o *Orchestrator) SetEngine(eng *executor.Engine) { o.eng = eng }

// SetDiscovery attaches the optional LLM discovery and revalidation
// collaborators.
func (o *Orchestrator) SetDiscovery(d domain.RelationshipDiscoverer, v domain.RelationshipValidator) {
	o.discoverer = d
	o.validator = v
}

// SetStores attaches optional persistence.
func (o *Orchestrator) SetStores(markets domain.MarketStore, snaps domain.SnapshotStore, opps domain.OpportunityStore) {
	o.marketStore = markets
	o.snapStore = snaps
	o.oppStore = opps
}

// SetArchiver attaches the optional snapshot archiver.
func (o *Orchestrator) SetArchiver(a *Archiver) { o.archiver = a }

// DeltaFeed streams quote updates between full scans.
type DeltaFeed interface {
	Run(ctx context.Context) error
}

// SetDeltaFeedFactory attaches a factory building a streaming feed for a
// ticker set. The feed worker restarts the feed whenever the set of tickers
// referenced by active relationships changes.
func (o *Orchestrator) SetDeltaFeedFactory(f func(tickers []string) DeltaFeed) {
	o.feedFactory = f
}

// Run starts all workers and blocks until ctx is cancelled or a worker
// fails with a non-context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.eng == nil {
		return fmt.Errorf("orchestrator: execution engine not attached")
	}

	o.logger.InfoContext(ctx, "pipeline starting",
		slog.Duration("full_scan", o.cfg.FullScanInterval),
		slog.Duration("recheck", o.cfg.RecheckInterval),
		slog.Int("workers", o.cfg.Workers),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.clean(ctx, "ingestion", o.ingestLoop) })
	g.Go(func() error { return o.clean(ctx, "scan", o.scanLoop) })
	g.Go(func() error { return o.clean(ctx, "reconcile", o.reconcileLoop) })
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error { return o.clean(ctx, "execution", o.executionWorker) })
	}
	if o.validator != nil || o.discoverer != nil {
		g.Go(func() error { return o.clean(ctx, "relationship", o.relationshipLoop) })
	}
	if o.archiver != nil {
		g.Go(func() error { return o.clean(ctx, "archive", o.archiveLoop) })
	}
	if o.feedFactory != nil {
		g.Go(func() error { return o.clean(ctx, "delta_feed", o.deltaFeedLoop) })
	}
	g.Go(func() error { return o.clean(ctx, "summary", o.summaryLoop) })

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}

// clean wraps a worker loop so context cancellation reads as a clean stop.
func (o *Orchestrator) clean(ctx context.Context, name string, fn func(context.Context) error) error {
	err := fn(ctx)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s worker: %w", name, err)
	}
	return nil
}

// ingestLoop pulls the full open-market listing on each tick, feeds the
// cache, sweeps the catalog for fingerprint changes, and persists markets
// and price snapshots.
func (o *Orchestrator) ingestLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FullScanInterval)
	defer ticker.Stop()

	for {
		if err := o.ingestOnce(ctx); err != nil {
			// A failed cycle is skipped; the next tick retries from scratch.
			o.logger.WarnContext(ctx, "ingestion cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) ingestOnce(ctx context.Context) error {
	start := time.Now()
	var all []domain.Market
	cursor := ""
	for {
		page, err := o.exchange.ListOpenMarkets(ctx, cursor)
		if err != nil {
			return fmt.Errorf("list markets: %w", err)
		}
		all = append(all, page.Markets...)
		if page.NextCursor == "" || len(page.Markets) == 0 {
			break
		}
		cursor = page.NextCursor
	}

	applied := o.cache.Apply(all)
	invalidated := o.cat.SweepFingerprints(ctx)

	if bal, err := o.exchange.GetBalance(ctx); err == nil {
		o.gov.SyncBalance(bal.Cents)
	} else {
		o.logger.WarnContext(ctx, "balance sync failed", slog.String("error", err.Error()))
	}

	if o.marketStore != nil {
		if err := o.marketStore.UpsertBatch(ctx, all); err != nil {
			o.logger.WarnContext(ctx, "persist markets failed", slog.String("error", err.Error()))
		}
	}
	if o.snapStore != nil {
		if err := o.snapStore.AppendBatch(ctx, o.cache.Snapshots(time.Now().UTC())); err != nil {
			o.logger.WarnContext(ctx, "persist snapshots failed", slog.String("error", err.Error()))
		}
	}

	o.logger.InfoContext(ctx, "ingestion cycle complete",
		slog.Int("markets", len(all)),
		slog.Int("applied", applied),
		slog.Int("relationships_invalidated", invalidated),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// scanLoop runs the detector on each tick and enqueues emissions. When the
// kill switch is set, detection pauses. A full queue drops the newest
// opportunity: the next recheck re-detects anything still live.
func (o *Orchestrator) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if o.gov.KillSwitchEngaged() {
			continue
		}

		now := time.Now().UTC()
		for _, opp := range o.det.Scan(now) {
			if o.oppStore != nil {
				if err := o.oppStore.Create(ctx, opp); err != nil {
					o.logger.WarnContext(ctx, "persist opportunity failed",
						slog.String("opportunity_id", opp.ID), slog.String("error", err.Error()))
				}
			}
			title, msg := notify.FormatOpportunity(opp)
			o.notifier.Alert(ctx, notify.EventOpportunity, title, msg)

			select {
			case o.oppQueue <- opp:
			default:
				o.logger.WarnContext(ctx, "opportunity queue full, dropping",
					slog.String("opportunity_id", opp.ID))
			}
		}
	}
}

// executionWorker consumes the opportunity queue: admit through the
// governor, then execute. Kill-switch drains land in REJECTED.
func (o *Orchestrator) executionWorker(ctx context.Context) error {
	for {
		var opp domain.Opportunity
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp = <-o.oppQueue:
		}

		now := time.Now().UTC()
		sized, err := o.gov.Admit(ctx, opp, now)
		if err != nil {
			o.recordRejection(ctx, opp, err)
			continue
		}

		res := o.eng.Execute(ctx, sized)
		if res.State == domain.OpportunityFilled || res.State == domain.OpportunityPartial {
			o.notifier.Alert(ctx, notify.EventTrade,
				fmt.Sprintf("Trade %s", res.State),
				fmt.Sprintf("%s: %d contracts at edge %d¢", sized.Signal, res.FilledCount, sized.RawEdgeCents))
		}
	}
}

// recordRejection persists the admission verdict: expiry lands EXPIRED,
// everything else walks the admit-then-reject path of the state machine.
func (o *Orchestrator) recordRejection(ctx context.Context, opp domain.Opportunity, err error) {
	if o.oppStore == nil {
		return
	}
	var rej *risk.RejectionError
	reason := err.Error()
	if errors.As(err, &rej) && rej.Reason == risk.RejectExpired {
		_ = o.oppStore.Transition(ctx, opp.ID, domain.OpportunityDetected, domain.OpportunityExpired, reason)
		return
	}
	_ = o.oppStore.Transition(ctx, opp.ID, domain.OpportunityDetected, domain.OpportunityValidated, "")
	_ = o.oppStore.Transition(ctx, opp.ID, domain.OpportunityValidated, domain.OpportunityRejected, reason)
}

// reconcileLoop applies fill events to the governor's ledger and
// periodically marks positions to market against the cache. Fills arrive on
// one channel and are applied by this single goroutine, which preserves
// per-ticker submission order.
func (o *Orchestrator) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill := <-o.fillCh:
			o.gov.ApplyFill(ctx, fill)
		case <-ticker.C:
			o.markToMarket()
			o.reconcileOrphans(ctx)
		}
	}
}

func (o *Orchestrator) markToMarket() {
	positions := o.gov.ListPositions()
	if len(positions) == 0 {
		return
	}
	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}
	view := make(map[string]domain.Quote, len(tickers))
	for _, t := range tickers {
		if m, err := o.cache.Get(t); err == nil {
			view[t] = m.Quote
		}
	}
	o.gov.MarkToMarket(view)
}

// reconcileOrphans checks the exchange's position view when orphan orders
// are outstanding, surfacing drift between the ledger and the exchange.
func (o *Orchestrator) reconcileOrphans(ctx context.Context) {
	orphans := o.eng.Orphans()
	if len(orphans) == 0 {
		return
	}
	positions, err := o.exchange.ListPositions(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "orphan reconciliation fetch failed", slog.String("error", err.Error()))
		return
	}
	for _, ex := range positions {
		tracked := o.gov.Position(ex.Ticker)
		if tracked.NetContracts != ex.NetContracts {
			o.logger.Warn("position drift detected",
				slog.String("ticker", ex.Ticker),
				slog.Int64("tracked", tracked.NetContracts),
				slog.Int64("exchange", ex.NetContracts),
				slog.Int("orphan_orders", len(orphans)),
			)
		}
	}
}

// relationshipLoop drives periodic revalidation and discovery. Discovery
// runs the within-event pass, widening to the within-category pass on every
// third run.
func (o *Orchestrator) relationshipLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.RescanInterval)
	defer ticker.Stop()

	pass := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if o.validator != nil {
			for _, rel := range o.cat.StaleForRevalidation(time.Now().UTC()) {
				if err := o.cat.Revalidate(ctx, rel.ID, o.validator); err != nil {
					o.logger.WarnContext(ctx, "revalidation failed",
						slog.String("relationship_id", rel.ID), slog.String("error", err.Error()))
				}
			}
		}

		if o.discoverer != nil {
			o.runDiscovery(ctx, pass)
			pass++
		}
	}
}

func (o *Orchestrator) runDiscovery(ctx context.Context, pass int) {
	markets := o.cache.All()
	var batches [][]domain.Market
	passName := "event"
	if pass%3 == 2 {
		// Every third pass widens scope to whole categories.
		passName = "category"
		batches = llm.BatchByCategory(markets, o.cfg.DiscoveryBatchMax)
	} else {
		batches = llm.BatchByEvent(markets)
	}

	stored := 0
	for _, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		candidates, err := o.discoverer.Discover(ctx, batch)
		if err != nil {
			o.logger.WarnContext(ctx, "discovery batch failed", slog.String("error", err.Error()))
			continue
		}
		stored += o.cat.IngestCandidates(ctx, candidates)
	}
	o.logger.InfoContext(ctx, "relationship discovery complete",
		slog.String("pass", passName),
		slog.Int("batches", len(batches)),
		slog.Int("stored", stored),
	)
}

// deltaFeedLoop keeps a streaming quote feed running for the tickers the
// active relationships reference, restarting it when the set changes.
func (o *Orchestrator) deltaFeedLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FullScanInterval)
	defer ticker.Stop()

	var (
		current    []string
		feedCancel context.CancelFunc
		feedDone   chan struct{}
	)
	stopFeed := func() {
		if feedCancel != nil {
			feedCancel()
			<-feedDone
			feedCancel = nil
		}
	}
	defer stopFeed()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next := o.activeTickers()
		if len(next) == 0 || sameTickers(current, next) {
			continue
		}
		stopFeed()
		current = next

		feed := o.feedFactory(next)
		var feedCtx context.Context
		feedCtx, feedCancel = context.WithCancel(ctx)
		feedDone = make(chan struct{})
		go func() {
			defer close(feedDone)
			if err := feed.Run(feedCtx); err != nil && feedCtx.Err() == nil {
				o.logger.Warn("delta feed stopped", slog.String("error", err.Error()))
			}
		}()
		o.logger.InfoContext(ctx, "delta feed subscribed", slog.Int("tickers", len(next)))
	}
}

func (o *Orchestrator) activeTickers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rel := range o.cat.Active() {
		for _, t := range rel.Tickers {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func sameTickers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if !set[t] {
			return false
		}
	}
	return true
}

// archiveLoop uploads the previous day's price snapshots once a day.
func (o *Orchestrator) archiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := o.archiver.ArchiveDay(ctx, day); err != nil {
			o.logger.WarnContext(ctx, "snapshot archive failed", slog.String("error", err.Error()))
		}
	}
}

// summaryLoop emits the daily digest alert.
func (o *Orchestrator) summaryLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		opps, trades := o.gov.DailyStats()
		title, msg := notify.FormatDailySummary(opps, trades, o.gov.DailyPnL(), len(o.gov.ListPositions()))
		o.notifier.Alert(ctx, notify.EventDailySummary, title, msg)
	}
}
