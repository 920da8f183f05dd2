package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/storage"
)

func fundedUser(n int, holdings ...models.PortfolioHolding) *models.User {
	return &models.User{
		ID:        fmt.Sprintf("user-%03d", n),
		ClerkID:   fmt.Sprintf("clerk_%03d", n),
		Portfolio: holdings,
	}
}

func holding(id string, qty string) models.PortfolioHolding {
	return models.PortfolioHolding{AssetID: id, Quantity: decimal.RequireFromString(qty)}
}

func newTestNetWorth(users *mockUserRepo, assets *mockAssetRepo, cache PortfolioCache, archive SnapshotArchive, batchSize int) *NetWorthService {
	svc := NewNetWorthService(users, assets, cache, archive, NetWorthConfig{HistoryCap: 24, BatchSize: batchSize}, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC) }
	return svc
}

func TestUpdateAllNetWorthBonk(t *testing.T) {
	users := newMockUserRepo(fundedUser(1, holding("bonk", "500")))
	assets := newMockAssetRepo(testAsset("bonk", "0.00002"))
	cache := &mockCache{}
	archive := &mockArchive{}

	result, err := newTestNetWorth(users, assets, cache, archive, 50).UpdateAllNetWorth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	history := users.users["clerk_001"].NetWorthHistory
	require.Len(t, history, 1)
	assert.True(t, history[0].NetWorth.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, history[0].CoinsWorth["bonk"].Equal(decimal.RequireFromString("0.01")))
	assert.NotNil(t, users.users["clerk_001"].LastNetWorthUpdate)

	assert.Equal(t, []string{"clerk_001"}, cache.invalidated)
	require.Len(t, archive.appended, 1)
	assert.Equal(t, storage.ArchiveSourceSchedule, archive.appended[0].Source)
	assert.True(t, archive.appended[0].NetWorth.Equal(decimal.RequireFromString("0.01")))
}

func TestUpdateAllNetWorthMissingPriceIsZero(t *testing.T) {
	users := newMockUserRepo(fundedUser(1, holding("wif", "4"), holding("gone", "100")))
	assets := newMockAssetRepo(testAsset("wif", "2.5"))

	_, err := newTestNetWorth(users, assets, nil, nil, 50).UpdateAllNetWorth(context.Background())
	require.NoError(t, err)

	latest, ok := users.users["clerk_001"].NetWorthHistory.Latest()
	require.True(t, ok)
	assert.True(t, latest.NetWorth.Equal(decimal.NewFromInt(10)))
	assert.True(t, latest.CoinsWorth["gone"].IsZero())
	assert.True(t, latest.Consistent())
}

func TestUpdateAllNetWorthCapsHistory(t *testing.T) {
	user := fundedUser(1, holding("bonk", "1"))
	for i := 1; i <= 24; i++ {
		user.NetWorthHistory = append(user.NetWorthHistory, models.NetWorthSnapshot{NetWorth: decimal.NewFromInt(int64(i))})
	}
	users := newMockUserRepo(user)
	assets := newMockAssetRepo(testAsset("bonk", "25"))

	_, err := newTestNetWorth(users, assets, nil, nil, 50).UpdateAllNetWorth(context.Background())
	require.NoError(t, err)

	history := users.users["clerk_001"].NetWorthHistory
	require.Len(t, history, 24)
	assert.True(t, history[0].NetWorth.Equal(decimal.NewFromInt(2)), "oldest evicted")
	assert.True(t, history[23].NetWorth.Equal(decimal.NewFromInt(25)))
}

func TestUpdateAllNetWorthLoadsPricesOnce(t *testing.T) {
	var list []*models.User
	for i := 0; i < 120; i++ {
		list = append(list, fundedUser(i, holding("bonk", "1")))
	}
	users := newMockUserRepo(list...)
	assets := newMockAssetRepo(testAsset("bonk", "1"))

	result, err := newTestNetWorth(users, assets, nil, nil, 50).UpdateAllNetWorth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, assets.priceMapCalls)
	assert.Equal(t, 3, result.Batches)
	require.Len(t, users.batches, 3)
	assert.Len(t, users.batches[0], 50)
	assert.Len(t, users.batches[2], 20)

	ts := users.batches[0][0].UpdatedAt
	for _, batch := range users.batches {
		for _, u := range batch {
			assert.Equal(t, ts, u.UpdatedAt, "one clock per run")
		}
	}
}

func TestUpdateAllNetWorthFailedBatchDoesNotStopOthers(t *testing.T) {
	var list []*models.User
	for i := 0; i < 6; i++ {
		list = append(list, fundedUser(i, holding("bonk", "1")))
	}
	users := newMockUserRepo(list...)
	users.failBatches[1] = errors.New("deadlock detected")
	assets := newMockAssetRepo(testAsset("bonk", "1"))
	cache := &mockCache{}
	archive := &mockArchive{}

	result, err := newTestNetWorth(users, assets, cache, archive, 2).UpdateAllNetWorth(context.Background())

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePersistence))
	assert.Contains(t, err.Error(), "deadlock detected")
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 1, result.BatchesFailed)
	assert.Equal(t, 4, result.Updated)

	assert.Empty(t, users.users["clerk_002"].NetWorthHistory, "failed batch wrote nothing")
	assert.Len(t, users.users["clerk_004"].NetWorthHistory, 1, "later batch still ran")
	assert.NotContains(t, cache.invalidated, "clerk_002")
	assert.Len(t, archive.appended, 4)
}

func TestUpdateAllNetWorthSideEffectFailuresAreNotFatal(t *testing.T) {
	users := newMockUserRepo(fundedUser(1, holding("bonk", "1")))
	assets := newMockAssetRepo(testAsset("bonk", "1"))
	cache := &mockCache{err: errors.New("redis down")}
	archive := &mockArchive{err: errors.New("clickhouse down")}

	result, err := newTestNetWorth(users, assets, cache, archive, 50).UpdateAllNetWorth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
}

func TestUpdateAllNetWorthLoadFailure(t *testing.T) {
	users := newMockUserRepo()
	users.listErr = errors.New("too many connections")

	_, err := newTestNetWorth(users, newMockAssetRepo(), nil, nil, 50).UpdateAllNetWorth(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.CodePersistence))
}
