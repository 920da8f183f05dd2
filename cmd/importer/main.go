// Package main provides the asset catalogue tool: import, metadata backfill and activation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/config"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/ratelimit"
	"github.com/memefolio/internal/service"
	"github.com/memefolio/internal/storage"
)

// deps are opened per command and closed by its caller
type deps struct {
	cfg      *config.Config
	postgres *storage.PostgresDB
	redis    *storage.RedisCache
	assets   *storage.AssetRepository
	feed     *adapter.CoinGeckoClient
	budget   *ratelimit.BudgetTracker
}

func (d *deps) Close() {
	if d.redis != nil {
		d.redis.Close()
	}
	if d.postgres != nil {
		d.postgres.Close()
	}
}

func openDeps() (*deps, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	d := &deps{cfg: cfg}

	d.postgres, err = storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	d.redis, err = storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	d.budget, err = ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          d.redis.Client(),
		TotalBudget:    cfg.PriceFeed.RequestBudget,
		ReservedBudget: cfg.PriceFeed.ReservedBudget,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize feed budget: %w", err)
	}

	d.assets = storage.NewAssetRepository(d.postgres)
	d.feed = adapter.NewCoinGeckoClient(adapter.CoinGeckoConfig{
		BaseURL:    cfg.PriceFeed.BaseURL,
		APIKey:     cfg.PriceFeed.APIKey,
		Timeout:    cfg.PriceFeed.Timeout,
		MaxRetries: 2,
	})
	return d, nil
}

func (d *deps) importer() *service.AssetImportService {
	return service.NewAssetImportService(d.assets, d.feed, service.ImportConfig{
		BatchSize:  d.cfg.PriceFeed.ImportBatchSize,
		BatchDelay: d.cfg.PriceFeed.ImportDelay,
		Budget:     d.budget,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(component string) (context.Context, context.CancelFunc) {
	logger := logging.GetGlobalLogger().WithField("component", component)
	ctx := logging.WithLogger(context.Background(), logger)
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:   "importer",
	Short: "Manage the tradable asset catalogue",
	Long: `Seeds the asset table from a curated list, backfills descriptive metadata
from the price feed and marks assets active for allocation.`,
	SilenceUsage: true,
}

var populateCmd = &cobra.Command{
	Use:   "populate",
	Short: "Import assets from a CSV or JSON list",
	Long: `Imports every entry that carries a Solana contract address. Entries are
upserted by id and start inactive; run activate to make them tradable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("file")
		if err != nil {
			return fmt.Errorf("error getting file: %w", err)
		}

		entries, err := readAssetList(path)
		if err != nil {
			return err
		}

		d, err := openDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signalContext("importer")
		defer cancel()

		result, err := d.importer().Import(ctx, entries)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"file":           path,
			"received":       result.Received,
			"eligible":       result.Eligible,
			"batches":        result.Batches,
			"batches_failed": result.BatchesFailed,
			"inserted":       result.Inserted,
		}).Info("Import completed")
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Backfill metadata for assets that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signalContext("metadata")
		defer cancel()

		backfill := service.NewMetadataService(d.assets, d.feed, service.MetadataConfig{
			Delay:      d.cfg.PriceFeed.MetadataDelay,
			ErrorPause: d.cfg.PriceFeed.MetadataErrorWait,
			Budget:     d.budget,
		})

		result, err := backfill.Backfill(ctx)
		if err != nil {
			return fmt.Errorf("metadata backfill failed: %w", err)
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"assets": result.Assets,
			"saved":  result.Saved,
			"failed": result.Failed,
		}).Info("Metadata backfill completed")
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Mark assets active so allocations may select them",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("file")
		if err != nil {
			return fmt.Errorf("error getting file: %w", err)
		}
		idFlag, err := cmd.Flags().GetString("ids")
		if err != nil {
			return fmt.Errorf("error getting ids: %w", err)
		}

		var ids []string
		if path != "" {
			if ids, err = readIDList(path); err != nil {
				return err
			}
		}
		ids = cleanIDs(append(ids, strings.Split(idFlag, ",")...))
		if len(ids) == 0 {
			return fmt.Errorf("no asset ids given; use --file or --ids")
		}

		d, err := openDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signalContext("activate")
		defer cancel()

		activated, err := d.importer().Activate(ctx, ids)
		if err != nil {
			return fmt.Errorf("activation failed: %w", err)
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"requested": len(ids),
			"activated": activated,
		}).Info("Activation completed")
		return nil
	},
}

func main() {
	populateCmd.Flags().StringP("file", "f", "", "Asset list to import (.csv or .json). This flag is required.")
	_ = populateCmd.MarkFlagRequired("file")

	activateCmd.Flags().StringP("file", "f", "", "File of asset ids (.csv with an id column, .json, or one id per line)")
	activateCmd.Flags().String("ids", "", "Comma separated asset ids, e.g. bonk,dogwifcoin")

	rootCmd.AddCommand(populateCmd, metadataCmd, activateCmd)

	cobra.CheckErr(rootCmd.Execute())
}
