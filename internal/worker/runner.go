package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/service"
	"github.com/memefolio/internal/types"
)

// ErrRunInProgress is returned when another process holds the cycle lock
var ErrRunInProgress = errors.New("a scheduled run is already in progress")

// PriceSyncer refreshes asset prices
type PriceSyncer interface {
	SyncPrices(ctx context.Context) (*service.PriceSyncResult, error)
}

// NetWorthUpdater appends a net worth snapshot for every funded user
type NetWorthUpdater interface {
	UpdateAllNetWorth(ctx context.Context) (*service.NetWorthResult, error)
}

// CycleResult reports one run of both jobs
type CycleResult struct {
	PriceSync     *service.PriceSyncResult `json:"priceSync,omitempty"`
	PriceSyncErr  string                   `json:"priceSyncError,omitempty"`
	NetWorth      *service.NetWorthResult  `json:"netWorth,omitempty"`
	NetWorthErr   string                   `json:"netWorthError,omitempty"`
	StartedAt     time.Time                `json:"startedAt"`
	TotalDuration time.Duration            `json:"totalDuration"`
}

// Runner runs price sync followed by net worth, at most once at a time across processes
type Runner struct {
	prices   PriceSyncer
	networth NetWorthUpdater
	lock     service.JobLock
	lockTTL  time.Duration
	metrics  *observability.Metrics
}

// RunnerConfig holds configuration for a runner
type RunnerConfig struct {
	Prices   PriceSyncer
	NetWorth NetWorthUpdater
	Lock     service.JobLock
	LockTTL  time.Duration
	Metrics  *observability.Metrics
}

// NewRunner creates a new runner
func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price syncer cannot be nil")
	}
	if cfg.NetWorth == nil {
		return nil, fmt.Errorf("net worth updater cannot be nil")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("run lock cannot be nil")
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}

	return &Runner{
		prices:   cfg.Prices,
		networth: cfg.NetWorth,
		lock:     cfg.Lock,
		lockTTL:  lockTTL,
		metrics:  cfg.Metrics,
	}, nil
}

// RunCycle syncs prices and then values every portfolio. Net worth still runs
// when the price sync fails; it reads whatever prices are stored.
func (r *Runner) RunCycle(ctx context.Context) (*CycleResult, error) {
	logger := logging.FromContext(ctx).WithField("job", string(types.JobCron))

	lease, err := r.lock.TryAcquire(ctx, string(types.JobCron), r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if lease == nil {
		r.metrics.RecordJobSkipped(string(types.JobCron))
		logger.Info("run skipped, lock held elsewhere")
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("failed to release run lock")
		}
	}()

	result := &CycleResult{StartedAt: time.Now().UTC()}
	ctx = logging.WithLogger(ctx, logger)

	start := time.Now()
	priceResult, priceErr := r.prices.SyncPrices(ctx)
	r.metrics.ObserveJob(string(types.JobPriceSync), priceErr, time.Since(start))
	result.PriceSync = priceResult
	if priceErr != nil {
		result.PriceSyncErr = priceErr.Error()
		logger.WithError(priceErr).Error("price sync failed")
	}

	start = time.Now()
	netWorthResult, netWorthErr := r.networth.UpdateAllNetWorth(ctx)
	r.metrics.ObserveJob(string(types.JobNetWorth), netWorthErr, time.Since(start))
	result.NetWorth = netWorthResult
	if netWorthErr != nil {
		result.NetWorthErr = netWorthErr.Error()
		logger.WithError(netWorthErr).Error("net worth update failed")
	}

	result.TotalDuration = time.Since(result.StartedAt)
	err = errors.Join(priceErr, netWorthErr)
	r.metrics.ObserveJob(string(types.JobCron), err, result.TotalDuration)
	logger.WithField("duration", result.TotalDuration.String()).Info("scheduled run finished")

	return result, err
}
