package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/storage"
)

// NetWorthConfig holds history and batching for the net worth job
type NetWorthConfig struct {
	HistoryCap int
	BatchSize  int
}

// NetWorthResult summarizes one run
type NetWorthResult struct {
	Users         int           `json:"users"`
	Batches       int           `json:"batches"`
	BatchesFailed int           `json:"batchesFailed"`
	Updated       int           `json:"updated"`
	Duration      time.Duration `json:"duration"`
}

// NetWorthService appends a valuation to every funded user's history
type NetWorthService struct {
	users   UserRepository
	assets  AssetRepository
	cache   PortfolioCache
	archive SnapshotArchive
	cfg     NetWorthConfig
	metrics *observability.Metrics
	now     func() time.Time
}

// NewNetWorthService creates a new net worth service. cache and archive are optional.
func NewNetWorthService(users UserRepository, assets AssetRepository, cache PortfolioCache, archive SnapshotArchive, cfg NetWorthConfig, metrics *observability.Metrics) *NetWorthService {
	if cfg.HistoryCap < 1 {
		cfg.HistoryCap = 24
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &NetWorthService{
		users:   users,
		assets:  assets,
		cache:   cache,
		archive: archive,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
	}
}

// UpdateAllNetWorth values every user against one price load and persists
// the new histories batch by batch. A failed batch does not stop the others;
// all batch errors are returned together.
func (s *NetWorthService) UpdateAllNetWorth(ctx context.Context) (*NetWorthResult, error) {
	logger := logging.FromContext(ctx).WithField("job", "net_worth")
	start := time.Now()

	prices, err := s.assets.PriceMap(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load prices", err)
	}
	users, err := s.users.ListWithPortfolio(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load users", err)
	}

	now := s.now().UTC()
	updates := make([]models.NetWorthUpdate, 0, len(users))
	for _, u := range users {
		snapshot := models.ComputeSnapshot(u.Portfolio, prices)
		snapshot.Timestamp = &now
		updates = append(updates, models.NetWorthUpdate{
			UserID:    u.ID,
			ClerkID:   u.ClerkID,
			History:   u.NetWorthHistory.AppendWithCap(snapshot, s.cfg.HistoryCap),
			Snapshot:  snapshot,
			UpdatedAt: now,
		})
	}

	batches := chunk(updates, s.cfg.BatchSize)
	result := &NetWorthResult{Users: len(users), Batches: len(batches)}
	logger.WithFields(map[string]interface{}{
		"users":   len(users),
		"prices":  len(prices),
		"batches": len(batches),
	}).Info("net worth update started")

	var errs []error
	for i, batch := range batches {
		if err := s.users.UpdateNetWorthBatch(ctx, batch); err != nil {
			s.metrics.RecordNetWorthUsers(err, len(batch))
			result.BatchesFailed++
			errs = append(errs, fmt.Errorf("batch %d: %w", i, err))
			logger.WithFields(map[string]interface{}{
				"batch": i,
				"size":  len(batch),
				"error": err.Error(),
			}).Error("net worth batch failed")
			continue
		}
		s.metrics.RecordNetWorthUsers(nil, len(batch))
		result.Updated += len(batch)
		s.afterCommit(ctx, batch)
	}

	result.Duration = time.Since(start)
	logger.WithFields(map[string]interface{}{
		"updated":       result.Updated,
		"batchesFailed": result.BatchesFailed,
		"duration":      result.Duration.String(),
	}).Info("net worth update completed")

	if len(errs) > 0 {
		return result, apperrors.NewPersistenceError("update net worth", stderrors.Join(errs...))
	}
	return result, nil
}

// afterCommit drops cached views and archives snapshots. Failures are logged only.
func (s *NetWorthService) afterCommit(ctx context.Context, batch []models.NetWorthUpdate) {
	logger := logging.FromContext(ctx)

	if s.cache != nil {
		clerkIDs := make([]string, len(batch))
		for i, u := range batch {
			clerkIDs[i] = u.ClerkID
		}
		if err := s.cache.InvalidatePortfolios(ctx, clerkIDs...); err != nil {
			logger.WithError(err).Warn("failed to invalidate portfolio cache")
		}
	}

	if s.archive != nil {
		archived := make([]storage.ArchivedSnapshot, len(batch))
		for i, u := range batch {
			archived[i] = storage.ArchivedSnapshot{
				UserID:     u.UserID,
				ClerkID:    u.ClerkID,
				TakenAt:    u.UpdatedAt,
				NetWorth:   u.Snapshot.NetWorth,
				CoinsWorth: u.Snapshot.CoinsWorth,
				Source:     storage.ArchiveSourceSchedule,
			}
		}
		if err := s.archive.Append(ctx, archived); err != nil {
			logger.WithError(err).Warn("failed to archive net worth snapshots")
		}
	}
}
