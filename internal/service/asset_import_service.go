package service

import (
	"context"
	"strings"
	"time"

	"github.com/memefolio/internal/adapter"
	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/ratelimit"
)

// ImportConfig holds pacing for the asset importer
type ImportConfig struct {
	BatchSize         int
	BatchDelay        time.Duration
	ActivateBatchSize int
	// Budget is optional; imports draw from its shared pool
	Budget *ratelimit.BudgetTracker
}

// ImportResult summarizes one import
type ImportResult struct {
	Received      int   `json:"received"`
	Eligible      int   `json:"eligible"`
	Batches       int   `json:"batches"`
	BatchesFailed int   `json:"batchesFailed"`
	Inserted      int64 `json:"inserted"`
}

// AssetImportService seeds the asset table from a curated list
type AssetImportService struct {
	assets AssetRepository
	feed   adapter.PriceFeed
	pacer  *ratelimit.Pacer
	cfg    ImportConfig
	now    func() time.Time
}

// NewAssetImportService creates a new import service
func NewAssetImportService(assets AssetRepository, feed adapter.PriceFeed, cfg ImportConfig) *AssetImportService {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.ActivateBatchSize < 1 {
		cfg.ActivateBatchSize = 50
	}
	return &AssetImportService{
		assets: assets,
		feed:   feed,
		pacer: ratelimit.NewPacer(ratelimit.PacerConfig{
			Interval: cfg.BatchDelay,
			Tracker:  cfg.Budget,
			Priority: ratelimit.PriorityLow,
		}),
		cfg: cfg,
		now: time.Now,
	}
}

// Import inserts entries that carry a contract address, priced from the feed.
// Existing ids are left alone. A failed batch is logged and skipped.
func (s *AssetImportService) Import(ctx context.Context, entries []models.AssetImport) (*ImportResult, error) {
	logger := logging.FromContext(ctx).WithField("job", "asset_import")
	result := &ImportResult{Received: len(entries)}

	eligible := eligibleImports(entries)
	result.Eligible = len(eligible)
	batches := chunk(eligible, s.cfg.BatchSize)
	result.Batches = len(batches)

	logger.WithFields(map[string]interface{}{
		"received": result.Received,
		"eligible": result.Eligible,
		"batches":  result.Batches,
	}).Info("asset import started")

	for i, batch := range batches {
		if err := s.pacer.Wait(ctx); err != nil {
			return result, err
		}

		ids := make([]string, len(batch))
		for j, e := range batch {
			ids[j] = e.ID
		}

		prices, err := s.feed.SimplePrices(ctx, ids)
		if err != nil {
			result.BatchesFailed++
			logger.WithFields(map[string]interface{}{
				"batch": i,
				"error": err.Error(),
			}).Warn("import batch skipped: price fetch failed")
			continue
		}

		assets := make([]models.Asset, len(batch))
		now := s.now().UTC()
		for j, e := range batch {
			assets[j] = models.Asset{
				ID:              e.ID,
				Symbol:          e.Symbol,
				Name:            e.Name,
				ContractAddress: e.ContractAddress,
			}
			if quote, ok := prices[e.ID]; ok && quote.USD.IsPositive() {
				assets[j].CurrentPrice.Decimal = quote.USD
				assets[j].CurrentPrice.Valid = true
				updatedAt := now
				if quote.LastUpdatedAt != nil {
					updatedAt = quote.LastUpdatedAt.UTC()
				}
				assets[j].LastPriceUpdate = &updatedAt
			}
		}

		inserted, err := s.assets.CreateMany(ctx, assets)
		if err != nil {
			result.BatchesFailed++
			logger.WithFields(map[string]interface{}{
				"batch": i,
				"error": err.Error(),
			}).Warn("import batch skipped: insert failed")
			continue
		}
		result.Inserted += inserted
	}

	logger.WithFields(map[string]interface{}{
		"inserted":      result.Inserted,
		"batchesFailed": result.BatchesFailed,
	}).Info("asset import completed")
	return result, nil
}

// Activate marks ids eligible for new allocations and returns how many changed
func (s *AssetImportService) Activate(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for _, batch := range chunk(ids, s.cfg.ActivateBatchSize) {
		n, err := s.assets.Activate(ctx, batch)
		if err != nil {
			return total, apperrors.NewPersistenceError("activate assets", err)
		}
		total += n
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"requested": len(ids),
		"activated": total,
	}).Info("assets activated")
	return total, nil
}

// eligibleImports drops entries without an id or contract address and repeated ids
func eligibleImports(entries []models.AssetImport) []models.AssetImport {
	seen := make(map[string]bool, len(entries))
	var out []models.AssetImport
	for _, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		e.ContractAddress = strings.TrimSpace(e.ContractAddress)
		if e.ID == "" || e.ContractAddress == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
