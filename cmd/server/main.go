// Package main provides the API server entry point for the portfolio service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/api"
	"github.com/memefolio/internal/circuitbreaker"
	"github.com/memefolio/internal/config"
	"github.com/memefolio/internal/custody"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/ratelimit"
	"github.com/memefolio/internal/service"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/storage"
	"github.com/memefolio/internal/types"
	"github.com/memefolio/internal/worker"
)

func main() {
	fmt.Println("Memefolio API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()
	metrics := observability.NewMetrics()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// The archive is optional; purchases and net worth runs work without it
	var archive service.SnapshotArchive
	var archiveReader api.HistoryArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		netWorthArchive := storage.NewNetWorthArchive(clickhouse)
		archive = netWorthArchive
		archiveReader = netWorthArchive
	}

	logger.Info("Database connections established")

	// Repositories and shared infrastructure
	assetRepo := storage.NewAssetRepository(postgres)
	userRepo := storage.NewUserRepository(postgres)
	cacheService := storage.NewCacheService(redis, cfg.Cache.PortfolioTTL)
	runLock := storage.NewRunLock(redis, "")

	sealer, err := custody.NewSealer(cfg.Custody.EncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize key sealer")
	}

	// External clients
	priceFeed := adapter.NewCoinGeckoClient(adapter.CoinGeckoConfig{
		BaseURL:    cfg.PriceFeed.BaseURL,
		APIKey:     cfg.PriceFeed.APIKey,
		Timeout:    cfg.PriceFeed.Timeout,
		MaxRetries: 2,
	})

	breakerCfg := circuitbreaker.DefaultConfig("jupiter")
	breakerCfg.ConsecutiveFailures = cfg.Swap.BreakerThreshold
	breakerCfg.Timeout = cfg.Swap.BreakerTimeout
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerOpen(name, to == circuitbreaker.StateOpen)
		logger.WithFields(map[string]interface{}{
			"breaker": name,
			"from":    string(from),
			"to":      string(to),
		}).Warn("Circuit breaker state changed")
	}
	aggregator := adapter.NewJupiterClient(adapter.JupiterConfig{
		BaseURL: cfg.Swap.QuoteURL,
		Timeout: cfg.Swap.AttemptTimeout,
		Options: adapter.SwapOptions{
			PriorityFeeMicroLamports: cfg.Swap.PriorityFeeMicroLamports,
			MaxAccounts:              cfg.Swap.MaxAccounts,
		},
		Breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	})

	ledger, err := adapter.NewSolanaClient(ctx, adapter.SolanaConfig{
		RPCURL:       cfg.Chain.RPCURL,
		Commitment:   types.Commitment(cfg.Chain.Commitment),
		PollInterval: cfg.Chain.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Solana RPC")
	}
	defer ledger.Close()

	feedBudget, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          redis.Client(),
		TotalBudget:    cfg.PriceFeed.RequestBudget,
		ReservedBudget: cfg.PriceFeed.ReservedBudget,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize feed budget")
	}

	// Initialize services
	logger.Info("Initializing services...")

	routeFilter := service.NewRouteFilter(aggregator, service.RouteFilterConfig{
		ReferenceMint:     cfg.Swap.ReferenceMint,
		ReferenceDecimals: cfg.Swap.ReferenceDecimals,
		SlippageBps:       cfg.Swap.SlippageBps,
	}, metrics)

	coordinator := service.NewSwapCoordinator(aggregator, ledger, routeFilter, nil, service.SwapCoordinatorConfig{
		TargetCount:       cfg.Swap.TargetCount,
		MinAllocation:     cfg.Swap.MinAllocation,
		SlippageBps:       cfg.Swap.SlippageBps,
		ReferenceMint:     cfg.Swap.ReferenceMint,
		ReferenceDecimals: cfg.Swap.ReferenceDecimals,
		MaxAttempts:       cfg.Swap.MaxAttempts,
		RetryDelay:        cfg.Swap.RetryDelay,
		AttemptTimeout:    cfg.Swap.AttemptTimeout,
		ConfirmTimeout:    cfg.Chain.ConfirmTimeout,
		Commitment:        types.Commitment(cfg.Chain.Commitment),
		SwapSpacing:       cfg.Swap.SwapSpacing,
	}, metrics)

	if cfg.Purchase.PlatformPrivateKey == "" {
		logger.Fatal("PLATFORM_PRIVATE_KEY is required to fund custodial wallets")
	}
	treasury, err := solana.ParseKeypair(cfg.Purchase.PlatformPrivateKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse PLATFORM_PRIVATE_KEY")
	}
	funder := service.NewTreasuryFunder(ledger, treasury, service.TreasuryConfig{
		ReferenceMint:      cfg.Swap.ReferenceMint,
		ReferenceDecimals:  cfg.Swap.ReferenceDecimals,
		FeeReserveLamports: cfg.Purchase.FeeReserveLamports(),
		MaxAttempts:        cfg.Purchase.FundingAttempts,
		RetryDelay:         2 * time.Second,
		AttemptTimeout:     cfg.Swap.AttemptTimeout,
		ConfirmTimeout:     cfg.Chain.ConfirmTimeout,
		Commitment:         types.CommitmentConfirmed,
	}, metrics)
	logger.WithField("treasury", treasury.PublicKey()).Info("Treasury funding enabled")

	purchaseService := service.NewPurchaseService(
		userRepo,
		assetRepo,
		coordinator,
		funder,
		sealer,
		runLock,
		cacheService,
		archive,
		service.PurchaseConfig{
			BudgetUSD:  cfg.Purchase.BudgetUSD,
			HistoryCap: cfg.NetWorth.HistoryCap,
		},
		metrics,
	)

	walletService := service.NewWalletService(userRepo, sealer, cacheService)

	priceSync := service.NewPriceSyncService(assetRepo, priceFeed, ratelimit.NewPacer(ratelimit.PacerConfig{
		Interval: cfg.PriceFeed.BatchDelay,
		Tracker:  feedBudget,
		Priority: ratelimit.PriorityHigh,
	}), service.PriceSyncConfig{
		BatchSize:   cfg.PriceFeed.BatchSize,
		BatchDelay:  cfg.PriceFeed.BatchDelay,
		Concurrency: cfg.PriceFeed.Concurrency,
		ActiveOnly:  cfg.PriceFeed.ActiveOnly,
		FeedName:    "coingecko",
	}, metrics)

	netWorth := service.NewNetWorthService(userRepo, assetRepo, cacheService, archive, service.NetWorthConfig{
		HistoryCap: cfg.NetWorth.HistoryCap,
		BatchSize:  cfg.NetWorth.BatchSize,
	}, metrics)

	cronRunner, err := worker.NewRunner(&worker.RunnerConfig{
		Prices:   priceSync,
		NetWorth: netWorth,
		Lock:     runLock,
		LockTTL:  cfg.Worker.LockTTL,
		Metrics:  metrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cron runner")
	}

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute, // purchases swap sequentially inside the webhook
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		CronSecret:        cfg.Server.CronSecret,
		WebhookSecret:     cfg.Purchase.WebhookSecret,
		WebhookWindow:     cfg.Purchase.WebhookWindow,
		PortfolioTTL:      cfg.Cache.PortfolioTTL,
		AssetsTTL:         cfg.Cache.AssetsTTL,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Purchases: purchaseService,
		Wallets:   walletService,
		Users:     userRepo,
		Assets:    assetRepo,
		Cache:     cacheService,
		History:   archiveReader,
		Cron:      cronRunner,
		Metrics:   metrics,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
