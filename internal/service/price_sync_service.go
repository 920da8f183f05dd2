package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memefolio/internal/adapter"
	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/ratelimit"
)

// PriceSyncConfig holds batching for the price sync job
type PriceSyncConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
	ActiveOnly  bool
	FeedName    string
}

// PriceSyncResult summarizes one run
type PriceSyncResult struct {
	Assets        int           `json:"assets"`
	Batches       int           `json:"batches"`
	BatchesFailed int           `json:"batchesFailed"`
	Updated       int64         `json:"updated"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration"`
}

// PriceSyncService refreshes stored spot prices from the price feed
type PriceSyncService struct {
	assets  AssetRepository
	feed    adapter.PriceFeed
	pacer   *ratelimit.Pacer
	cfg     PriceSyncConfig
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPriceSyncService creates a new price sync service. A nil pacer spaces
// batch requests BatchDelay apart.
func NewPriceSyncService(assets AssetRepository, feed adapter.PriceFeed, pacer *ratelimit.Pacer, cfg PriceSyncConfig, metrics *observability.Metrics) *PriceSyncService {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 250
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FeedName == "" {
		cfg.FeedName = "coingecko"
	}
	if pacer == nil {
		pacer = ratelimit.NewPacer(ratelimit.PacerConfig{Interval: cfg.BatchDelay})
	}
	return &PriceSyncService{
		assets:  assets,
		feed:    feed,
		pacer:   pacer,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// SyncPrices fetches prices batch by batch and writes every positive one.
// Assets missing from the response keep their stored price. A failure of the
// first batch aborts the run; later feed failures skip only their batch.
func (s *PriceSyncService) SyncPrices(ctx context.Context) (*PriceSyncResult, error) {
	logger := logging.FromContext(ctx).WithField("job", "price_sync")
	start := time.Now()

	var assets []models.Asset
	var err error
	if s.cfg.ActiveOnly {
		assets, err = s.assets.ListActive(ctx)
	} else {
		assets, err = s.assets.ListAll(ctx)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("load assets", err)
	}

	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	batches := chunk(ids, s.cfg.BatchSize)

	result := &PriceSyncResult{Assets: len(assets), Batches: len(batches)}
	logger.WithFields(map[string]interface{}{
		"assets":  len(assets),
		"batches": len(batches),
	}).Info("price sync started")

	if len(batches) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	var mu sync.Mutex
	record := func(updated int64, skipped int, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		result.Updated += updated
		result.Skipped += skipped
		if failed {
			result.BatchesFailed++
		}
	}

	// The first batch doubles as a probe of feed availability.
	updated, skipped, feedErr, err := s.syncBatch(ctx, batches[0])
	if err != nil {
		return nil, err
	}
	if feedErr != nil {
		logger.WithError(feedErr).Error("first price batch failed, aborting run")
		return nil, apperrors.NewExternalFeedError(s.cfg.FeedName, feedErr)
	}
	record(updated, skipped, false)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, batch := range batches[1:] {
		batch := batch
		index := i + 1
		g.Go(func() error {
			updated, skipped, feedErr, err := s.syncBatch(gctx, batch)
			if err != nil {
				return err
			}
			if feedErr != nil {
				logger.WithFields(map[string]interface{}{
					"batch": index,
					"size":  len(batch),
					"error": feedErr.Error(),
				}).Warn("price batch skipped")
				record(0, len(batch), true)
				return nil
			}
			record(updated, skipped, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	logger.WithFields(map[string]interface{}{
		"updated":       result.Updated,
		"skipped":       result.Skipped,
		"batchesFailed": result.BatchesFailed,
		"duration":      result.Duration.String(),
	}).Info("price sync completed")

	return result, nil
}

// syncBatch returns feedErr for a feed failure the run may tolerate and err
// for a persistence failure that must propagate.
func (s *PriceSyncService) syncBatch(ctx context.Context, ids []string) (updated int64, skipped int, feedErr error, err error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return 0, 0, nil, err
	}

	prices, feedErr := s.feed.SimplePrices(ctx, ids)
	if feedErr != nil {
		s.metrics.RecordSyncBatch(feedErr, 0)
		return 0, 0, feedErr, nil
	}

	updates := priceUpdates(ids, prices, s.now().UTC())
	skipped = len(ids) - len(updates)

	updated, err = s.assets.UpdatePrices(ctx, updates)
	if err != nil {
		s.metrics.RecordSyncBatch(err, 0)
		return 0, skipped, nil, apperrors.NewPersistenceError("update prices", err)
	}
	s.metrics.RecordSyncBatch(nil, int(updated))
	return updated, skipped, nil, nil
}

// priceUpdates keeps positive prices for the requested ids. The feed's own
// timestamp wins over the job clock.
func priceUpdates(ids []string, prices map[string]adapter.PriceQuote, now time.Time) []models.PriceUpdate {
	var updates []models.PriceUpdate
	for _, id := range ids {
		quote, ok := prices[id]
		if !ok || !quote.USD.IsPositive() {
			continue
		}
		updatedAt := now
		if quote.LastUpdatedAt != nil {
			updatedAt = quote.LastUpdatedAt.UTC()
		}
		updates = append(updates, models.PriceUpdate{
			AssetID:   id,
			Price:     quote.USD,
			UpdatedAt: updatedAt,
		})
	}
	return updates
}
