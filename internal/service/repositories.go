package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/storage"
)

// Repository interfaces for dependency injection

// AssetRepository interface for asset data operations
type AssetRepository interface {
	ListActive(ctx context.Context) ([]models.Asset, error)
	ListAll(ctx context.Context) ([]models.Asset, error)
	ListMissingMetadata(ctx context.Context) ([]models.Asset, error)
	PriceMap(ctx context.Context) (map[string]decimal.Decimal, error)
	UpdatePrices(ctx context.Context, updates []models.PriceUpdate) (int64, error)
	CreateMany(ctx context.Context, assets []models.Asset) (int64, error)
	Activate(ctx context.Context, ids []string) (int64, error)
	SaveMetadata(ctx context.Context, id string, metadata json.RawMessage, decimals *int32) error
}

// UserRepository interface for user, wallet and portfolio data operations
type UserRepository interface {
	EnsureUser(ctx context.Context, clerkID, email string) (*models.User, error)
	GetByClerkID(ctx context.Context, clerkID string) (*models.User, error)
	ListWithPortfolio(ctx context.Context) ([]*models.User, error)
	SaveWallet(ctx context.Context, clerkID, address, sealedKey string) error
	SavePortfolio(ctx context.Context, userID string, holdings []models.PortfolioHolding, history models.NetWorthHistory, purchasedAt time.Time) error
	UpdateNetWorthBatch(ctx context.Context, updates []models.NetWorthUpdate) error
	MarkRedeemed(ctx context.Context, userID string) error
}

// PortfolioCache drops cached portfolio views after a write
type PortfolioCache interface {
	InvalidatePortfolios(ctx context.Context, clerkIDs ...string) error
}

// SnapshotArchive keeps every snapshot beyond the rolling history window
type SnapshotArchive interface {
	Append(ctx context.Context, snapshots []storage.ArchivedSnapshot) error
}

// JobLock grants at most one holder per name
type JobLock interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*storage.Lease, error)
}

// KeySealer encrypts custodial keys at rest
type KeySealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

var (
	_ AssetRepository = (*storage.AssetRepository)(nil)
	_ UserRepository  = (*storage.UserRepository)(nil)
	_ PortfolioCache  = (*storage.CacheService)(nil)
	_ SnapshotArchive = (*storage.NetWorthArchive)(nil)
	_ JobLock         = (*storage.RunLock)(nil)
)

func chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// sleepContext waits d or until ctx ends
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
