package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/storage"
)

// PortfolioBuilder turns a budget into on-chain holdings
type PortfolioBuilder interface {
	BuildPortfolio(ctx context.Context, budget decimal.Decimal, candidates []models.Asset, clerkID string, signer solana.Signer) (*PortfolioBuild, error)
}

// PurchaseConfig holds the purchase policy
type PurchaseConfig struct {
	BudgetUSD  decimal.Decimal
	HistoryCap int
	// LockTTL bounds how long one user's purchase may hold its lock
	LockTTL time.Duration
}

// PurchaseResult is returned to the payment callback
type PurchaseResult struct {
	UserID   string                    `json:"userId"`
	ClerkID  string                    `json:"clerkId"`
	Holdings []models.PortfolioHolding `json:"holdings"`
	Snapshot models.NetWorthSnapshot   `json:"snapshot"`
	Swaps    []SwapResult              `json:"swaps"`
}

// PurchaseService completes a paid purchase: it builds the portfolio from the
// user's custodial wallet and stores holdings with the first history entry.
type PurchaseService struct {
	users   UserRepository
	assets  AssetRepository
	builder PortfolioBuilder
	funder  WalletFunder
	sealer  KeySealer
	lock    JobLock
	cache   PortfolioCache
	archive SnapshotArchive
	cfg     PurchaseConfig
	metrics *observability.Metrics
}

// NewPurchaseService creates a new purchase service. funder, lock, cache and
// archive are optional; without a funder wallets must already hold the budget.
func NewPurchaseService(
	users UserRepository,
	assets AssetRepository,
	builder PortfolioBuilder,
	funder WalletFunder,
	sealer KeySealer,
	lock JobLock,
	cache PortfolioCache,
	archive SnapshotArchive,
	cfg PurchaseConfig,
	metrics *observability.Metrics,
) *PurchaseService {
	if cfg.HistoryCap < 1 {
		cfg.HistoryCap = 24
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &PurchaseService{
		users:   users,
		assets:  assets,
		builder: builder,
		funder:  funder,
		sealer:  sealer,
		lock:    lock,
		cache:   cache,
		archive: archive,
		cfg:     cfg,
		metrics: metrics,
	}
}

// CompletePurchase builds and stores the portfolio of clerkID
func (s *PurchaseService) CompletePurchase(ctx context.Context, clerkID string) (*PurchaseResult, error) {
	result, err := s.completePurchase(ctx, clerkID)
	s.metrics.RecordPurchase(err)
	return result, err
}

func (s *PurchaseService) completePurchase(ctx context.Context, clerkID string) (*PurchaseResult, error) {
	logger := logging.FromContext(ctx).WithField("clerkId", clerkID)

	if clerkID == "" {
		return nil, apperrors.NewInvalidParameterError("clerkId", "is required")
	}

	if s.lock != nil {
		lease, err := s.lock.TryAcquire(ctx, "purchase:"+clerkID, s.cfg.LockTTL)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to acquire purchase lock", err)
		}
		if lease == nil {
			return nil, apperrors.NewConflictError("a purchase for this user is already in progress")
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("failed to release purchase lock")
			}
		}()
	}

	user, err := s.users.GetByClerkID(ctx, clerkID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("user", clerkID)
		}
		return nil, apperrors.NewPersistenceError("load user", err)
	}
	switch {
	case !user.HasWallet():
		return nil, apperrors.NewInvalidParameterError("clerkId", "user has no wallet")
	case user.HasRedeemed:
		return nil, apperrors.NewConflictError("wallet key has already been redeemed")
	case len(user.Portfolio) > 0:
		return nil, apperrors.NewConflictError("portfolio already purchased")
	}

	signer, err := s.openSigner(user)
	if err != nil {
		return nil, err
	}

	candidates, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}

	if s.funder != nil {
		if _, err := s.funder.FundWallet(ctx, user.WalletAddress, s.cfg.BudgetUSD); err != nil {
			return nil, err
		}
	}

	build, err := s.builder.BuildPortfolio(ctx, s.cfg.BudgetUSD, candidates, clerkID, signer)
	if err != nil {
		logger.WithError(err).Error("portfolio build failed")
		return nil, err
	}

	// on-chain swaps are recorded even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	purchasedAt := time.Now().UTC()
	if build.Snapshot.Timestamp != nil {
		purchasedAt = *build.Snapshot.Timestamp
	}
	history := models.NetWorthHistory{}.AppendWithCap(build.Snapshot, s.cfg.HistoryCap)

	if err := s.users.SavePortfolio(ctx, user.ID, build.Holdings, history, purchasedAt); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return nil, apperrors.NewConflictError("portfolio already purchased")
		}
		logger.WithError(err).Error("swaps executed but portfolio was not saved")
		return nil, apperrors.NewPersistenceError("save portfolio", err)
	}

	if s.cache != nil {
		if err := s.cache.InvalidatePortfolios(ctx, clerkID); err != nil {
			logger.WithError(err).Warn("failed to invalidate portfolio cache")
		}
	}
	if s.archive != nil {
		err := s.archive.Append(ctx, []storage.ArchivedSnapshot{{
			UserID:     user.ID,
			ClerkID:    clerkID,
			TakenAt:    purchasedAt,
			NetWorth:   build.Snapshot.NetWorth,
			CoinsWorth: build.Snapshot.CoinsWorth,
			Source:     storage.ArchiveSourcePurchase,
		}})
		if err != nil {
			logger.WithError(err).Warn("failed to archive purchase snapshot")
		}
	}

	logger.WithFields(map[string]interface{}{
		"holdings": len(build.Holdings),
		"netWorth": build.Snapshot.NetWorth.String(),
	}).Info("purchase completed")

	return &PurchaseResult{
		UserID:   user.ID,
		ClerkID:  clerkID,
		Holdings: build.Holdings,
		Snapshot: build.Snapshot,
		Swaps:    build.Swaps,
	}, nil
}

func (s *PurchaseService) openSigner(user *models.User) (*solana.Keypair, error) {
	secret, err := s.sealer.Open(user.SealedPrivateKey)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open custodial key", err)
	}
	keypair, err := solana.ParseKeypair(secret)
	if err != nil {
		return nil, apperrors.NewInternalError("stored custodial key is malformed", err)
	}
	if keypair.PublicKey() != user.WalletAddress {
		return nil, apperrors.NewInternalError("custodial key does not match wallet address", nil)
	}
	return keypair, nil
}

// candidates are active assets that can be bought and valued
func (s *PurchaseService) candidates(ctx context.Context) ([]models.Asset, error) {
	assets, err := s.assets.ListActive(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("load assets", err)
	}

	var out []models.Asset
	for _, a := range assets {
		if a.ContractAddress != "" && a.HasPrice() {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NewNoViableAssetsError(0)
	}
	return out, nil
}
