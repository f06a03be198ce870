package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	s3blob "github.com/rooneydude/kalshibot/internal/blob/s3"
	redcache "github.com/rooneydude/kalshibot/internal/cache/redis"
	"github.com/rooneydude/kalshibot/internal/catalog"
	"github.com/rooneydude/kalshibot/internal/config"
	"github.com/rooneydude/kalshibot/internal/detector"
	"github.com/rooneydude/kalshibot/internal/domain"
	"github.com/rooneydude/kalshibot/internal/executor"
	"github.com/rooneydude/kalshibot/internal/llm"
	"github.com/rooneydude/kalshibot/internal/marketcache"
	"github.com/rooneydude/kalshibot/internal/notify"
	"github.com/rooneydude/kalshibot/internal/pipeline"
	"github.com/rooneydude/kalshibot/internal/platform/kalshi"
	"github.com/rooneydude/kalshibot/internal/risk"
	"github.com/rooneydude/kalshibot/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need.
type Dependencies struct {
	Exchange domain.Exchange
	Cache    *marketcache.Cache
	Catalog  *catalog.Catalog
	Detector *detector.Detector
	Governor *risk.Governor
	Engine   *executor.Engine
	Orch     *pipeline.Orchestrator
	Notifier *notify.Notifier
	LLM      *llm.Client // nil when no API key is configured
}

// Wire constructs concrete dependency implementations from the
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Notifier ---
	var senders []notify.Sender
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Redis rate limiter (optional) ---
	var limiter domain.RateLimiter
	if cfg.Redis.Addr != "" {
		redisClient, err := redcache.New(ctx, redcache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			logger.WarnContext(ctx, "redis unavailable, exchange calls unthrottled",
				slog.String("error", err.Error()))
		} else {
			closers = append(closers, func() { _ = redisClient.Close() })
			limiter = redcache.NewRateLimiter(redisClient, cfg.Kalshi.RateLimitPerSec, time.Second)
		}
	}

	// --- Exchange adapter ---
	exchange := kalshi.NewClient(cfg.Kalshi.BaseURL, cfg.Kalshi.ApiKeyID, limiter, logger)
	if cfg.Kalshi.RsaPrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.Kalshi.RsaPrivateKeyPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: read kalshi key: %w", err)
		}
		if err := exchange.SetRSAPrivateKey(pemBytes); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: load kalshi key: %w", err)
		}
	}
	deps.Exchange = exchange

	// --- PostgreSQL (optional) ---
	var (
		marketStore   domain.MarketStore
		snapStore     domain.SnapshotStore
		relStore      domain.RelationshipStore
		oppStore      domain.OpportunityStore
		orderStore    domain.OrderStore
		positionStore domain.PositionStore
		fillStore     domain.FillStore
	)
	if cfg.Postgres.DSN != "" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		marketStore = postgres.NewMarketStore(pool)
		snapStore = postgres.NewSnapshotStore(pool)
		relStore = postgres.NewRelationshipStore(pool)
		oppStore = postgres.NewOpportunityStore(pool)
		orderStore = postgres.NewOrderStore(pool)
		positionStore = postgres.NewPositionStore(pool)
		fillStore = postgres.NewFillStore(pool)
	}

	// --- Core components ---
	deps.Cache = marketcache.New(logger)
	deps.Catalog = catalog.New(deps.Cache, relStore, catalog.Config{
		ConfidenceFloor:    cfg.Scanning.ConfidenceFloor,
		RevalidateInterval: time.Duration(cfg.Scanning.RelationshipRescanHours) * time.Hour,
	}, logger)

	fees := detector.KalshiFees{}
	deps.Governor = risk.New(risk.Config{
		MaxRiskPerTradePct:         cfg.Trading.MaxRiskPerTradePct,
		MaxDailyLossCents:          cfg.Trading.MaxDailyLossCents,
		MaxOpenPositions:           cfg.Trading.MaxOpenPositions,
		MaxContractsPerTrade:       cfg.Trading.MaxContractsPerTrade,
		MaxContractsPerMarket:      cfg.Trading.MaxContractsPerMarket,
		FeeSafetyMultiplier:        cfg.Scanning.FeeSafetyMultiplier,
		RequireHumanForImplication: cfg.Implication.RequireHuman,
		DryRun:                     cfg.Trading.DryRun,
	}, fees, positionStore, fillStore, logger)
	if cfg.Trading.KillSwitch {
		deps.Governor.EngageKillSwitch("engaged from configuration")
	}

	deps.Detector = detector.New(deps.Catalog, deps.Cache, fees, deps.Governor, detector.Config{
		MinScore:              cfg.Scanning.MinScoreThreshold,
		FeeSafetyMultiplier:   cfg.Scanning.FeeSafetyMultiplier,
		PartitionEpsilonCents: cfg.Scanning.PartitionEpsilonCents,
		OpportunityTTL:        time.Duration(cfg.Scanning.OpportunityTTLSeconds) * time.Second,
		KappaFloor:            cfg.Implication.KappaFloor,
		SoftThresholdCents:    cfg.Implication.SoftThresholdCents,
	}, logger)

	deps.Orch = pipeline.NewOrchestrator(
		deps.Exchange, deps.Cache, deps.Catalog, deps.Detector, deps.Governor, deps.Notifier,
		pipeline.Config{
			FullScanInterval:  time.Duration(cfg.Scanning.FullScanIntervalSeconds) * time.Second,
			RecheckInterval:   time.Duration(cfg.Scanning.OpportunityRecheckSecs) * time.Second,
			RescanInterval:    time.Duration(cfg.Scanning.RelationshipRescanHours) * time.Hour,
			Workers:           cfg.Execution.Workers,
			QueueCapacity:     cfg.Execution.QueueCapacity,
			DiscoveryBatchMax: cfg.LLM.MaxBatch,
		}, logger)
	deps.Orch.SetStores(marketStore, snapStore, oppStore)

	deps.Engine = executor.New(deps.Exchange, deps.Governor, deps.Orch.FillCh(), oppStore, orderStore, deps.Notifier, executor.Config{
		OrderDeadline:      time.Duration(cfg.Execution.OrderDeadlineSeconds) * time.Second,
		HedgeWidenCents:    cfg.Execution.HedgeWidenCents,
		MaxUnwindLossCents: cfg.Execution.MaxUnwindLossCents,
		ZeroFillIsFailure:  cfg.Execution.ZeroFillIsFailure,
		DryRun:             cfg.Trading.DryRun,
	}, logger)
	deps.Orch.SetEngine(deps.Engine)

	// Kill-switch broadcast: stop detection (scan loop checks the switch)
	// and cancel every in-flight order.
	deps.Governor.SetKillHandler(func(reason string) {
		deps.Engine.CancelAll(reason)
		deps.Notifier.Alert(context.Background(), notify.EventKillSwitch, "Kill switch engaged", reason)
	})

	// --- WebSocket delta feed (optional) ---
	if cfg.Kalshi.WsURL != "" {
		wsURL := cfg.Kalshi.WsURL
		cache := deps.Cache
		deps.Orch.SetDeltaFeedFactory(func(tickers []string) pipeline.DeltaFeed {
			return kalshi.NewWSFeed(wsURL, tickers, func(ticker string, q domain.Quote, at time.Time) {
				cache.ApplyQuote(ticker, q, at)
			}, logger)
		})
	}

	// --- LLM collaborator (optional) ---
	if cfg.LLM.APIKey != "" {
		llmClient, err := llm.New(llm.Config{
			APIKey:        cfg.LLM.APIKey,
			BaseURL:       cfg.LLM.BaseURL,
			ScanModel:     cfg.LLM.ScanModel,
			ValidateModel: cfg.LLM.ValidateModel,
			Timeout:       time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			Temperature:   cfg.LLM.Temperature,
			MaxBatch:      cfg.LLM.MaxBatch,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: llm: %w", err)
		}
		deps.LLM = llmClient
		deps.Orch.SetDiscovery(llmClient, llmClient)
	}

	// --- Snapshot archiver (optional) ---
	if cfg.S3.Enabled && snapStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Orch.SetArchiver(pipeline.NewArchiver(snapStore, s3blob.NewWriter(s3Client), "snapshots", logger))
	}

	return deps, cleanup, nil
}
