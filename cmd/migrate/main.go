// Package main applies the embedded Postgres and ClickHouse schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/memefolio/internal/config"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		target = flag.String("db", "all", "Database: postgres, clickhouse, all")
		steps  = flag.Int("steps", 1, "Number of Postgres migrations to roll back with -action=down")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"component": "migrate",
		"action":    *action,
		"db":        *target,
	})

	runPostgres := *target == "postgres" || *target == "all"
	runClickHouse := *target == "clickhouse" || (*target == "all" && cfg.Database.ClickHouse.Enabled && *action == "up")
	if !runPostgres && !runClickHouse && *target != "all" {
		logger.Fatalf("Unknown database: %s", *target)
	}

	if runPostgres {
		if err := migratePostgres(logger, cfg.Database.Postgres.PostgresDSN(), *action, *steps); err != nil {
			logger.WithError(err).Fatal("Postgres migration failed")
		}
	}

	if !runClickHouse {
		if *target == "all" {
			logger.Info("Skipping ClickHouse archive migrations")
		}
		return
	}
	if err := migrateClickHouse(logger, &cfg.Database.ClickHouse, *action); err != nil {
		logger.WithError(err).Fatal("ClickHouse migration failed")
	}
}

func migratePostgres(logger *logging.Logger, databaseURL, action string, steps int) error {
	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL); err != nil {
			return err
		}
	case "down":
		if err := storage.RollbackMigrations(databaseURL, steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	version, dirty, err := storage.MigrationVersion(databaseURL)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	}).Info("Postgres schema version")
	return nil
}

func migrateClickHouse(logger *logging.Logger, cfg *config.ClickHouseConfig, action string) error {
	if action != "up" {
		return fmt.Errorf("the ClickHouse archive only supports the 'up' action")
	}

	db, err := storage.NewClickHouseDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	if err := storage.RunClickHouseMigrations(ctx, db); err != nil {
		return err
	}
	logger.WithField("duration", time.Since(start).String()).Info("ClickHouse archive schema applied")
	return nil
}
