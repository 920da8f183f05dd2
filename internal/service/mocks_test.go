package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/storage"
	"github.com/memefolio/internal/types"
)

// Mock repositories for testing

type mockAssetRepo struct {
	mu            sync.Mutex
	assets        map[string]models.Asset
	listErr       error
	updateErr     error
	createErr     error
	priceMapCalls int
	updateCalls   [][]models.PriceUpdate
	created       []models.Asset
	activated     [][]string
	metadata      map[string]json.RawMessage
	decimals      map[string]*int32
}

func newMockAssetRepo(assets ...models.Asset) *mockAssetRepo {
	m := &mockAssetRepo{
		assets:   make(map[string]models.Asset),
		metadata: make(map[string]json.RawMessage),
		decimals: make(map[string]*int32),
	}
	for _, a := range assets {
		m.assets[a.ID] = a
	}
	return m
}

func (m *mockAssetRepo) sorted(filter func(models.Asset) bool) []models.Asset {
	var ids []string
	for id := range m.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []models.Asset
	for _, id := range ids {
		if filter(m.assets[id]) {
			out = append(out, m.assets[id])
		}
	}
	return out
}

func (m *mockAssetRepo) ListActive(ctx context.Context) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sorted(func(a models.Asset) bool { return a.Active }), nil
}

func (m *mockAssetRepo) ListAll(ctx context.Context) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.sorted(func(models.Asset) bool { return true }), nil
}

func (m *mockAssetRepo) ListMissingMetadata(ctx context.Context) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(a models.Asset) bool { return len(a.Metadata) == 0 }), nil
}

func (m *mockAssetRepo) PriceMap(ctx context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceMapCalls++
	prices := make(map[string]decimal.Decimal)
	for id, a := range m.assets {
		if a.CurrentPrice.Valid {
			prices[id] = a.CurrentPrice.Decimal
		}
	}
	return prices, nil
}

func (m *mockAssetRepo) UpdatePrices(ctx context.Context, updates []models.PriceUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, updates)
	if m.updateErr != nil {
		return 0, m.updateErr
	}
	var n int64
	for _, u := range updates {
		a, ok := m.assets[u.AssetID]
		if !ok {
			continue
		}
		a.CurrentPrice = decimal.NullDecimal{Decimal: u.Price, Valid: true}
		ts := u.UpdatedAt
		a.LastPriceUpdate = &ts
		m.assets[u.AssetID] = a
		n++
	}
	return n, nil
}

func (m *mockAssetRepo) CreateMany(ctx context.Context, assets []models.Asset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	var n int64
	for _, a := range assets {
		if _, exists := m.assets[a.ID]; exists {
			continue
		}
		m.assets[a.ID] = a
		m.created = append(m.created, a)
		n++
	}
	return n, nil
}

func (m *mockAssetRepo) Activate(ctx context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated = append(m.activated, ids)
	var n int64
	for _, id := range ids {
		if a, ok := m.assets[id]; ok && !a.Active {
			a.Active = true
			m.assets[id] = a
			n++
		}
	}
	return n, nil
}

func (m *mockAssetRepo) SaveMetadata(ctx context.Context, id string, metadata json.RawMessage, decimals *int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[id] = metadata
	m.decimals[id] = decimals
	return nil
}

func (m *mockAssetRepo) asset(id string) models.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assets[id]
}

type mockUserRepo struct {
	mu           sync.Mutex
	users        map[string]*models.User
	listErr      error
	failBatches  map[int]error
	batchCalls   int
	batches      [][]models.NetWorthUpdate
	saveErr      error
	saved        map[string][]models.PortfolioHolding
	savedHistory map[string]models.NetWorthHistory
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	m := &mockUserRepo{
		users:        make(map[string]*models.User),
		failBatches:  make(map[int]error),
		saved:        make(map[string][]models.PortfolioHolding),
		savedHistory: make(map[string]models.NetWorthHistory),
	}
	for _, u := range users {
		m.users[u.ClerkID] = u
	}
	return m
}

func (m *mockUserRepo) EnsureUser(ctx context.Context, clerkID, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[clerkID]; ok {
		copied := *u
		return &copied, nil
	}
	u := &models.User{ID: "user-" + clerkID, ClerkID: clerkID, Email: email}
	m.users[clerkID] = u
	copied := *u
	return &copied, nil
}

func (m *mockUserRepo) GetByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[clerkID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", clerkID, storage.ErrNotFound)
	}
	copied := *u
	return &copied, nil
}

func (m *mockUserRepo) ListWithPortfolio(ctx context.Context) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ids []string
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*models.User
	for _, id := range ids {
		if u := m.users[id]; len(u.Portfolio) > 0 {
			copied := *u
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockUserRepo) SaveWallet(ctx context.Context, clerkID, address, sealedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[clerkID]
	if !ok {
		return storage.ErrNotFound
	}
	if u.WalletAddress != "" {
		return storage.ErrConflict
	}
	u.WalletAddress = address
	u.SealedPrivateKey = sealedKey
	return nil
}

func (m *mockUserRepo) SavePortfolio(ctx context.Context, userID string, holdings []models.PortfolioHolding, history models.NetWorthHistory, purchasedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// a pgx pool refuses work on a done context
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, u := range m.users {
		if u.ID != userID {
			continue
		}
		if len(u.Portfolio) > 0 {
			return storage.ErrConflict
		}
		u.Portfolio = holdings
		u.NetWorthHistory = history
		u.PurchasedAt = &purchasedAt
		m.saved[userID] = holdings
		m.savedHistory[userID] = history
		return nil
	}
	return storage.ErrNotFound
}

func (m *mockUserRepo) UpdateNetWorthBatch(ctx context.Context, updates []models.NetWorthUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := m.batchCalls
	m.batchCalls++
	if err := m.failBatches[index]; err != nil {
		return err
	}
	m.batches = append(m.batches, updates)
	for _, upd := range updates {
		for _, u := range m.users {
			if u.ID == upd.UserID {
				u.NetWorthHistory = upd.History
				ts := upd.UpdatedAt
				u.LastNetWorthUpdate = &ts
			}
		}
	}
	return nil
}

func (m *mockUserRepo) MarkRedeemed(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == userID {
			if u.HasRedeemed {
				return storage.ErrConflict
			}
			u.HasRedeemed = true
			return nil
		}
	}
	return storage.ErrNotFound
}

type mockCache struct {
	mu          sync.Mutex
	invalidated []string
	err         error
}

func (m *mockCache) InvalidatePortfolios(ctx context.Context, clerkIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, clerkIDs...)
	return m.err
}

type mockArchive struct {
	mu       sync.Mutex
	appended []storage.ArchivedSnapshot
	err      error
}

func (m *mockArchive) Append(ctx context.Context, snapshots []storage.ArchivedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.appended = append(m.appended, snapshots...)
	return nil
}

// newTestLock is a run lock backed by miniredis
func newTestLock(t *testing.T) (*storage.RunLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storage.NewRunLock(storage.NewRedisCacheFromClient(client), ""), mr
}

// plainSealer prefixes keys so tests can tell sealed from open values
type plainSealer struct {
	openErr error
}

func (s *plainSealer) Seal(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

func (s *plainSealer) Open(sealed string) (string, error) {
	if s.openErr != nil {
		return "", s.openErr
	}
	if len(sealed) < 7 || sealed[:7] != "sealed:" {
		return "", errors.New("not sealed")
	}
	return sealed[7:], nil
}

// mockFeed is a price feed whose calls are recorded in order
type mockFeed struct {
	mu        sync.Mutex
	prices    map[string]adapter.PriceQuote
	failCalls map[int]error
	calls     [][]string
	details   map[string]*models.AssetMetadata
	detailErr map[string]error
}

func (m *mockFeed) SimplePrices(ctx context.Context, ids []string) (map[string]adapter.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := len(m.calls)
	m.calls = append(m.calls, ids)
	if err := m.failCalls[index]; err != nil {
		return nil, err
	}
	out := make(map[string]adapter.PriceQuote)
	for _, id := range ids {
		if q, ok := m.prices[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (m *mockFeed) CoinDetail(ctx context.Context, id string) (*models.AssetMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.detailErr[id]; err != nil {
		return nil, err
	}
	if d, ok := m.details[id]; ok {
		return d, nil
	}
	return &models.AssetMetadata{}, nil
}

// fakeChain is a swap aggregator and ledger over in-memory balances.
// Swaps run one at a time, so the last built mint is the one being sent.
type fakeChain struct {
	mu            sync.Mutex
	outAmounts    map[string]decimal.Decimal
	decimals      map[string]int32
	quoteErr      map[string]error
	funds         decimal.Decimal
	balances      map[string]decimal.Decimal
	sendFailures  map[string]int
	balanceBroken bool
	lastBuilt     string
	pending       string
	quotes        []adapter.QuoteRequest
	sends         int
	confirmed     []string

	// hangConfirms confirmations wait out their deadline and report a timeout;
	// with lateLanding the transaction still lands
	hangConfirms int
	lateLanding  bool
	landed       map[string]bool
	statusChecks int
	// onConfirm runs after each swap confirmation
	onConfirm func()

	// funding transfers applied from treasury transactions
	lamports        map[string]uint64
	fundingSends    int
	fundingFailures int
	fundings        []*solana.Message
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		outAmounts:   make(map[string]decimal.Decimal),
		decimals:     make(map[string]int32),
		quoteErr:     make(map[string]error),
		funds:        decimal.NewFromInt(1000),
		balances:     make(map[string]decimal.Decimal),
		sendFailures: make(map[string]int),
		landed:       make(map[string]bool),
		lamports:     make(map[string]uint64),
	}
}

func (f *fakeChain) Quote(ctx context.Context, req adapter.QuoteRequest) (*adapter.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, req)
	if err := f.quoteErr[req.OutputMint]; err != nil {
		return nil, err
	}
	out, ok := f.outAmounts[req.OutputMint]
	if !ok {
		return nil, fmt.Errorf("%w: no route", adapter.ErrQuoteRejected)
	}
	return &adapter.Quote{
		InputMint:  req.InputMint,
		OutputMint: req.OutputMint,
		InAmount:   decimal.NewFromInt(int64(req.Amount)),
		OutAmount:  out,
		RouteHops:  1,
		Raw:        json.RawMessage(`{}`),
	}, nil
}

func (f *fakeChain) BuildSwapTransaction(ctx context.Context, quote *adapter.Quote, userPublicKey string) (string, error) {
	f.mu.Lock()
	f.lastBuilt = quote.OutputMint
	f.mu.Unlock()
	return unsignedTransaction(userPublicKey)
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *solana.SignedTransaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, err := solana.ParseLegacyTransaction(tx.Raw); err == nil && len(msg.Instructions) > 0 {
		return f.applyFunding(msg, tx.Signature)
	}
	f.sends++
	if f.sendFailures[f.lastBuilt] > 0 {
		f.sendFailures[f.lastBuilt]--
		return "", fmt.Errorf("%w: blockhash not found", adapter.ErrTransactionFailed)
	}
	f.pending = f.lastBuilt
	return tx.Signature, nil
}

// applyFunding credits system and token transfers to the recipient
func (f *fakeChain) applyFunding(msg *solana.Message, signature string) (string, error) {
	f.fundingSends++
	if f.fundingFailures > 0 {
		f.fundingFailures--
		return "", fmt.Errorf("%w: blockhash not found", adapter.ErrTransactionFailed)
	}
	for _, ix := range msg.Instructions {
		switch msg.ProgramID(ix) {
		case solana.SystemProgramID:
			to := msg.AccountKeys[ix.Accounts[1]]
			f.lamports[to] += binary.LittleEndian.Uint64(ix.Data[4:])
		case solana.TokenProgramID:
			amount := binary.LittleEndian.Uint64(ix.Data[1:9])
			f.funds = f.funds.Add(decimal.NewFromInt(int64(amount)).Shift(-int32(ix.Data[9])))
		}
	}
	f.fundings = append(f.fundings, msg)
	f.pending = ""
	return signature, nil
}

func (f *fakeChain) ConfirmTransaction(ctx context.Context, signature string, commitment types.Commitment, timeout time.Duration) error {
	f.mu.Lock()
	mint := f.pending
	if mint != "" && f.hangConfirms > 0 {
		f.hangConfirms--
		if f.lateLanding {
			f.land(mint)
		}
		f.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return fmt.Errorf("%w: %s", adapter.ErrConfirmationTimeout, signature)
	}
	if mint == "" {
		f.mu.Unlock()
		return nil
	}
	f.land(mint)
	hook := f.onConfirm
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeChain) land(mint string) {
	f.balances[mint] = f.balances[mint].Add(f.outAmounts[mint].Shift(-f.decimalsOf(mint)))
	f.confirmed = append(f.confirmed, mint)
	f.landed[mint] = true
}

func (f *fakeChain) SignatureStatus(ctx context.Context, signature string, commitment types.Commitment) (adapter.SignatureState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChecks++
	if f.landed[f.pending] {
		return adapter.SignatureConfirmed, nil
	}
	return adapter.SignatureUnknown, nil
}

func (f *fakeChain) Balance(ctx context.Context, owner string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lamports[owner], nil
}

func (f *fakeChain) LatestBlockhash(ctx context.Context) (string, error) {
	return solana.SystemProgramID, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, owner, mint string) (*adapter.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mint == testReferenceMint {
		return &adapter.TokenBalance{Amount: f.funds, Decimals: 6}, nil
	}
	if f.balanceBroken {
		return nil, adapter.ErrProviderUnavailable
	}
	amount := f.balances[mint]
	d := f.decimalsOf(mint)
	return &adapter.TokenBalance{Amount: amount, Raw: amount.Shift(d), Decimals: d}, nil
}

func (f *fakeChain) decimalsOf(mint string) int32 {
	if d, ok := f.decimals[mint]; ok {
		return d
	}
	return 6
}

// unsignedTransaction is a legacy transaction with one empty signature slot for owner
func unsignedTransaction(owner string) (string, error) {
	key, err := solana.DecodePublicKey(owner)
	if err != nil {
		return "", err
	}
	message := []byte{1, 0, 0, 1}
	message = append(message, key...)
	message = append(message, make([]byte, 32)...)
	message = append(message, 0)

	tx := []byte{1}
	tx = append(tx, make([]byte, 64)...)
	tx = append(tx, message...)
	return base64.StdEncoding.EncodeToString(tx), nil
}
