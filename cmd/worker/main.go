// Package main provides the scheduled job runner: price sync followed by net worth.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/config"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/ratelimit"
	"github.com/memefolio/internal/service"
	"github.com/memefolio/internal/storage"
	"github.com/memefolio/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "Run a single cycle and exit")
	metricsAddr := flag.String("metrics-addr", ":9102", "Address for the /metrics listener; empty disables it")
	flag.Parse()

	fmt.Println("Memefolio Job Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")

	metrics := observability.NewMetrics()

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

	var archive service.SnapshotArchive
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		archive = storage.NewNetWorthArchive(clickhouse)
	}

	logger.Info("Database connections established")

	assetRepo := storage.NewAssetRepository(postgres)
	userRepo := storage.NewUserRepository(postgres)
	cacheService := storage.NewCacheService(redis, cfg.Cache.PortfolioTTL)

	// Feed budget is shared with the API server and the importer through Redis
	feedBudget, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          redis.Client(),
		TotalBudget:    cfg.PriceFeed.RequestBudget,
		ReservedBudget: cfg.PriceFeed.ReservedBudget,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize feed budget")
	}

	priceFeed := adapter.NewCoinGeckoClient(adapter.CoinGeckoConfig{
		BaseURL:    cfg.PriceFeed.BaseURL,
		APIKey:     cfg.PriceFeed.APIKey,
		Timeout:    cfg.PriceFeed.Timeout,
		MaxRetries: 2,
	})

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

	runner, err := worker.NewRunner(&worker.RunnerConfig{
		Prices:   priceSync,
		NetWorth: netWorth,
		Lock:     storage.NewRunLock(redis, ""),
		LockTTL:  cfg.Worker.LockTTL,
		Metrics:  metrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create runner")
	}

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	if *once {
		result, err := runner.RunCycle(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Cycle failed")
		}
		logger.WithFields(map[string]interface{}{
			"prices_updated": result.PriceSync.Updated,
			"users_updated":  result.NetWorth.Updated,
			"duration":       result.TotalDuration.String(),
		}).Info("Cycle completed")
		return
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics listener stopped")
			}
		}()
	}

	scheduler, err := worker.NewScheduler(&worker.SchedulerConfig{
		Runner:     runner,
		Interval:   cfg.Worker.Interval,
		RunOnStart: cfg.Worker.RunOnStart,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	logger.WithFields(map[string]interface{}{
		"interval": cfg.Worker.Interval.String(),
		"lock_ttl": cfg.Worker.LockTTL.String(),
	}).Info("Worker started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	// An in-flight cycle gets the lock TTL to finish before its context is cancelled
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.LockTTL)
	defer shutdownCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping scheduler")
	}
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error stopping metrics listener")
		}
	}

	logger.Info("Worker exited")
}
