package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memefolio/internal/adapter"
	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/ratelimit"
)

// solanaPlatform is the detail_platforms key carrying on-chain decimals
const solanaPlatform = "solana"

// MetadataConfig holds pacing for the metadata backfill
type MetadataConfig struct {
	Delay      time.Duration
	ErrorPause time.Duration
	// Budget is optional; backfills draw from its shared pool
	Budget *ratelimit.BudgetTracker
}

// MetadataResult summarizes one backfill
type MetadataResult struct {
	Assets int `json:"assets"`
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}

// MetadataService fetches descriptive metadata once per asset
type MetadataService struct {
	assets AssetRepository
	feed   adapter.PriceFeed
	pacer  *ratelimit.Pacer
	cfg    MetadataConfig
}

// NewMetadataService creates a new metadata service
func NewMetadataService(assets AssetRepository, feed adapter.PriceFeed, cfg MetadataConfig) *MetadataService {
	return &MetadataService{
		assets: assets,
		feed:   feed,
		pacer: ratelimit.NewPacer(ratelimit.PacerConfig{
			Interval: cfg.Delay,
			Tracker:  cfg.Budget,
			Priority: ratelimit.PriorityLow,
		}),
		cfg: cfg,
	}
}

// Backfill fetches metadata for every asset that has none. A fetch failure
// skips the asset and pauses before the next one.
func (s *MetadataService) Backfill(ctx context.Context) (*MetadataResult, error) {
	logger := logging.FromContext(ctx).WithField("job", "metadata_backfill")

	assets, err := s.assets.ListMissingMetadata(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load assets", err)
	}
	result := &MetadataResult{Assets: len(assets)}
	logger.WithField("assets", len(assets)).Info("metadata backfill started")

	for _, asset := range assets {
		if err := s.pacer.Wait(ctx); err != nil {
			return result, err
		}

		detail, err := s.feed.CoinDetail(ctx, asset.ID)
		if err != nil {
			result.Failed++
			logger.WithFields(map[string]interface{}{
				"assetId": asset.ID,
				"error":   err.Error(),
			}).Warn("metadata fetch failed")
			if err := sleepContext(ctx, s.cfg.ErrorPause); err != nil {
				return result, err
			}
			continue
		}

		raw, err := json.Marshal(detail)
		if err != nil {
			result.Failed++
			logger.WithError(err).Warn("metadata could not be encoded")
			continue
		}

		if err := s.assets.SaveMetadata(ctx, asset.ID, raw, solanaDecimals(detail)); err != nil {
			return result, apperrors.NewPersistenceError("save metadata", err)
		}
		result.Saved++
	}

	logger.WithFields(map[string]interface{}{
		"saved":  result.Saved,
		"failed": result.Failed,
	}).Info("metadata backfill completed")
	return result, nil
}

func solanaDecimals(detail *models.AssetMetadata) *int32 {
	if detail == nil {
		return nil
	}
	if p, ok := detail.DetailPlatforms[solanaPlatform]; ok {
		return p.DecimalPlace
	}
	return nil
}
