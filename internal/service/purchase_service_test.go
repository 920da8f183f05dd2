package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/storage"
	"github.com/memefolio/internal/types"
)

type mockBuilder struct {
	build      *PortfolioBuild
	err        error
	calls      int
	candidates []models.Asset
	signerKey  string
}

func (m *mockBuilder) BuildPortfolio(ctx context.Context, budget decimal.Decimal, candidates []models.Asset, clerkID string, signer solana.Signer) (*PortfolioBuild, error) {
	m.calls++
	m.candidates = candidates
	m.signerKey = signer.PublicKey()
	return m.build, m.err
}

func walletUser(t *testing.T, clerkID string) (*models.User, *solana.Keypair) {
	t.Helper()
	kp := testSigner(t)
	return &models.User{
		ID:               "user-" + clerkID,
		ClerkID:          clerkID,
		WalletAddress:    kp.PublicKey(),
		SealedPrivateKey: "sealed:" + kp.SecretHex(),
	}, kp
}

func sampleBuild() *PortfolioBuild {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &PortfolioBuild{
		Holdings: []models.PortfolioHolding{holding("bonk", "1000000")},
		Snapshot: models.NetWorthSnapshot{
			NetWorth:   decimal.NewFromInt(20),
			CoinsWorth: map[string]decimal.Decimal{"bonk": decimal.NewFromInt(20)},
			Timestamp:  &ts,
		},
		Allocation: map[string]decimal.Decimal{"bonk": decimal.NewFromInt(20)},
		Swaps:      []SwapResult{{AssetID: "bonk", Status: types.SwapStatusSucceeded, Attempts: 1}},
	}
}

func newTestPurchase(t *testing.T, users *mockUserRepo, assets *mockAssetRepo, builder PortfolioBuilder, lock JobLock) (*PurchaseService, *mockCache, *mockArchive) {
	return newFundedTestPurchase(t, users, assets, builder, nil, lock)
}

func newFundedTestPurchase(t *testing.T, users *mockUserRepo, assets *mockAssetRepo, builder PortfolioBuilder, funder WalletFunder, lock JobLock) (*PurchaseService, *mockCache, *mockArchive) {
	cache := &mockCache{}
	archive := &mockArchive{}
	svc := NewPurchaseService(users, assets, builder, funder, &plainSealer{}, lock, cache, archive, PurchaseConfig{
		BudgetUSD:  decimal.NewFromInt(20),
		HistoryCap: 24,
	}, nil)
	return svc, cache, archive
}

func TestCompletePurchaseStoresPortfolio(t *testing.T) {
	user, kp := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	inactive := testAsset("old", "1")
	inactive.Active = false
	unpriced := testAsset("fresh", "")
	assets := newMockAssetRepo(testAsset("bonk", "0.00002"), inactive, unpriced)
	builder := &mockBuilder{build: sampleBuild()}
	lock, _ := newTestLock(t)

	svc, cache, archive := newTestPurchase(t, users, assets, builder, lock)
	result, err := svc.CompletePurchase(context.Background(), "clerk_1")
	require.NoError(t, err)

	assert.Equal(t, kp.PublicKey(), builder.signerKey, "custodial key opened")
	require.Len(t, builder.candidates, 1)
	assert.Equal(t, "bonk", builder.candidates[0].ID)

	assert.Len(t, result.Holdings, 1)
	assert.Equal(t, user.ID, result.UserID)
	require.Len(t, users.savedHistory[user.ID], 1)
	assert.True(t, users.savedHistory[user.ID][0].NetWorth.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), *users.users["clerk_1"].PurchasedAt)

	assert.Equal(t, []string{"clerk_1"}, cache.invalidated)
	require.Len(t, archive.appended, 1)
	assert.Equal(t, storage.ArchiveSourcePurchase, archive.appended[0].Source)

	lease, err := lock.TryAcquire(context.Background(), "purchase:clerk_1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease, "purchase lock released")
}

func TestCompletePurchaseRejectsIneligibleUsers(t *testing.T) {
	redeemed, _ := walletUser(t, "redeemed")
	redeemed.HasRedeemed = true
	owned, _ := walletUser(t, "owned")
	owned.Portfolio = []models.PortfolioHolding{holding("bonk", "1")}
	noWallet := &models.User{ID: "user-nowallet", ClerkID: "nowallet"}

	users := newMockUserRepo(redeemed, owned, noWallet)
	builder := &mockBuilder{build: sampleBuild()}
	svc, _, _ := newTestPurchase(t, users, newMockAssetRepo(testAsset("bonk", "1")), builder, nil)
	ctx := context.Background()

	_, err := svc.CompletePurchase(ctx, "redeemed")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))

	_, err = svc.CompletePurchase(ctx, "owned")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))

	_, err = svc.CompletePurchase(ctx, "nowallet")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))

	_, err = svc.CompletePurchase(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = svc.CompletePurchase(ctx, "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))

	assert.Zero(t, builder.calls)
}

func TestCompletePurchaseLockHeld(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	lock, _ := newTestLock(t)
	held, err := lock.TryAcquire(context.Background(), "purchase:clerk_1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	builder := &mockBuilder{build: sampleBuild()}
	svc, _, _ := newTestPurchase(t, newMockUserRepo(user), newMockAssetRepo(testAsset("bonk", "1")), builder, lock)

	_, err = svc.CompletePurchase(context.Background(), "clerk_1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
	assert.Zero(t, builder.calls)
}

func TestCompletePurchaseBuildFailurePersistsNothing(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	builder := &mockBuilder{err: apperrors.NewNoViableAssetsError(3)}
	svc, cache, _ := newTestPurchase(t, users, newMockAssetRepo(testAsset("bonk", "1")), builder, nil)

	_, err := svc.CompletePurchase(context.Background(), "clerk_1")

	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoViableAssets))
	assert.Empty(t, users.saved)
	assert.Empty(t, cache.invalidated)
}

func TestCompletePurchaseSaveFailure(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	users.saveErr = errors.New("connection refused")
	svc, _, _ := newTestPurchase(t, users, newMockAssetRepo(testAsset("bonk", "1")), &mockBuilder{build: sampleBuild()}, nil)

	_, err := svc.CompletePurchase(context.Background(), "clerk_1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodePersistence))
}

func TestCompletePurchaseKeyMismatch(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	other := testSigner(t)
	user.WalletAddress = other.PublicKey()
	builder := &mockBuilder{build: sampleBuild()}
	svc, _, _ := newTestPurchase(t, newMockUserRepo(user), newMockAssetRepo(testAsset("bonk", "1")), builder, nil)

	_, err := svc.CompletePurchase(context.Background(), "clerk_1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	assert.Zero(t, builder.calls)
}

func TestCompletePurchaseEndToEnd(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	assets := newMockAssetRepo(testAsset("bonk", "0.00002"), testAsset("wif", "2"))

	chain := newFakeChain()
	chain.outAmounts["mint-bonk"] = decimal.NewFromInt(500_000_000_000)
	chain.outAmounts["mint-wif"] = decimal.NewFromInt(5_000_000)

	svc, _, _ := newTestPurchase(t, users, assets, testCoordinator(chain), nil)
	result, err := svc.CompletePurchase(context.Background(), "clerk_1")
	require.NoError(t, err)

	assert.Len(t, result.Holdings, 2)
	assert.True(t, result.Snapshot.Consistent())
	stored := users.users["clerk_1"]
	assert.Len(t, stored.Portfolio, 2)
	require.Len(t, stored.NetWorthHistory, 1)
	assert.True(t, stored.NetWorthHistory[0].NetWorth.Equal(result.Snapshot.NetWorth))

	_, err = svc.CompletePurchase(context.Background(), "clerk_1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "second purchase rejected")
}

func TestCompletePurchaseCancelledMidBuildKeepsSwaps(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	assets := newMockAssetRepo(testAsset("bonk", "0.00002"), testAsset("wif", "2"))

	chain := newFakeChain()
	chain.outAmounts["mint-bonk"] = decimal.NewFromInt(500_000_000_000)
	chain.outAmounts["mint-wif"] = decimal.NewFromInt(5_000_000)

	// the caller goes away as soon as the first swap is on chain
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain.onConfirm = cancel

	svc, cache, archive := newTestPurchase(t, users, assets, testCoordinator(chain), nil)
	result, err := svc.CompletePurchase(ctx, "clerk_1")
	require.NoError(t, err)

	require.Len(t, chain.confirmed, 1)
	require.Len(t, result.Holdings, 1)
	assert.Equal(t, "mint-"+result.Holdings[0].AssetID, chain.confirmed[0])

	stored := users.users["clerk_1"]
	assert.Equal(t, result.Holdings, stored.Portfolio, "confirmed swap is persisted")
	require.Len(t, stored.NetWorthHistory, 1)
	assert.Equal(t, []string{"clerk_1"}, cache.invalidated)
	assert.Len(t, archive.appended, 1)
}

func testFunder(chain *fakeChain, treasury solana.Signer) *TreasuryFunder {
	return NewTreasuryFunder(chain, treasury, TreasuryConfig{
		ReferenceMint:     testReferenceMint,
		ReferenceDecimals: 6,
		MaxAttempts:       3,
		ConfirmTimeout:    time.Second,
	}, nil)
}

func TestCompletePurchaseFundsEmptyWallet(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	assets := newMockAssetRepo(testAsset("bonk", "0.00002"), testAsset("wif", "2"))

	chain := newFakeChain()
	chain.funds = decimal.Zero
	chain.outAmounts["mint-bonk"] = decimal.NewFromInt(500_000_000_000)
	chain.outAmounts["mint-wif"] = decimal.NewFromInt(5_000_000)

	svc, _, _ := newFundedTestPurchase(t, users, assets, testCoordinator(chain), testFunder(chain, testSigner(t)), nil)
	result, err := svc.CompletePurchase(context.Background(), "clerk_1")
	require.NoError(t, err)

	require.Len(t, chain.fundings, 1)
	assert.True(t, chain.funds.Equal(decimal.NewFromInt(20)), "budget sent, got %s", chain.funds)
	assert.Equal(t, DefaultFeeReserveLamports, chain.lamports[user.WalletAddress])
	assert.Len(t, result.Holdings, 2)
	assert.Len(t, users.users["clerk_1"].Portfolio, 2)
}

func TestCompletePurchaseFundingFailureBuildsNothing(t *testing.T) {
	user, _ := walletUser(t, "clerk_1")
	users := newMockUserRepo(user)
	chain := newFakeChain()
	chain.funds = decimal.Zero
	chain.fundingFailures = 10
	builder := &mockBuilder{build: sampleBuild()}

	svc, _, _ := newFundedTestPurchase(t, users, newMockAssetRepo(testAsset("bonk", "1")), builder, testFunder(chain, testSigner(t)), nil)
	_, err := svc.CompletePurchase(context.Background(), "clerk_1")

	assert.True(t, apperrors.HasCode(err, apperrors.CodeWalletFunding))
	assert.Equal(t, 3, chain.fundingSends)
	assert.Zero(t, builder.calls)
	assert.Empty(t, users.saved)
}

func TestSaveWalletAndRedeem(t *testing.T) {
	users := newMockUserRepo()
	cache := &mockCache{}
	svc := NewWalletService(users, &plainSealer{}, cache)
	ctx := context.Background()

	info, err := svc.SaveWallet(ctx, "clerk_1", "a@example.com")
	require.NoError(t, err)
	assert.True(t, info.Created)
	_, err = solana.DecodePublicKey(info.WalletAddress)
	require.NoError(t, err)

	stored := users.users["clerk_1"]
	assert.Contains(t, stored.SealedPrivateKey, "sealed:")

	again, err := svc.SaveWallet(ctx, "clerk_1", "a@example.com")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, info.WalletAddress, again.WalletAddress, "one wallet per user")

	redeemed, err := svc.Redeem(ctx, "clerk_1")
	require.NoError(t, err)
	assert.Equal(t, info.WalletAddress, redeemed.WalletAddress)
	kp, err := solana.ParseKeypair(redeemed.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, info.WalletAddress, kp.PublicKey())
	assert.True(t, users.users["clerk_1"].HasRedeemed)

	_, err = svc.Redeem(ctx, "clerk_1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConflict))
	assert.Contains(t, cache.invalidated, "clerk_1")
}

func TestRedeemErrors(t *testing.T) {
	users := newMockUserRepo(&models.User{ID: "user-bare", ClerkID: "bare"})
	svc := NewWalletService(users, &plainSealer{}, nil)
	ctx := context.Background()

	_, err := svc.Redeem(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = svc.Redeem(ctx, "bare")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	user, _ := walletUser(t, "broken")
	users.users["broken"] = user
	broken := NewWalletService(users, &plainSealer{openErr: errors.New("bad key")}, nil)
	_, err = broken.Redeem(ctx, "broken")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	assert.False(t, users.users["broken"].HasRedeemed, "not marked when the key cannot be opened")

	_, err = svc.SaveWallet(ctx, "", "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
}
