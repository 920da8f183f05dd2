package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/allocator"
	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/retry"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/types"
)

// confirmHeadroom is the part of an attempt left for quote, build and send
const confirmHeadroom = 30 * time.Second

// errInsufficientFunds stops the retry loop: the wallet cannot cover the swap
var errInsufficientFunds = stderrors.New("insufficient reference balance")

// Shuffler is a random source that can also permute candidates
type Shuffler interface {
	allocator.RandomSource
	Shuffle(n int, swap func(i, j int))
}

// SwapCoordinatorConfig holds the portfolio build policy
type SwapCoordinatorConfig struct {
	TargetCount       int
	MinAllocation     decimal.Decimal
	SlippageBps       int
	ReferenceMint     string
	ReferenceDecimals int32
	MaxAttempts       int
	RetryDelay        time.Duration
	AttemptTimeout    time.Duration
	ConfirmTimeout    time.Duration
	Commitment        types.Commitment
	SwapSpacing       time.Duration
}

// SwapResult is the terminal outcome of one asset's swap
type SwapResult struct {
	AssetID      string           `json:"assetId"`
	Mint         string           `json:"mint"`
	AllocatedUSD decimal.Decimal  `json:"allocatedUsd"`
	Status       types.SwapStatus `json:"status"`
	Signature    string           `json:"signature,omitempty"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Attempts     int              `json:"attempts"`
	Error        string           `json:"error,omitempty"`

	err error
}

// PortfolioBuild is what a purchase persists
type PortfolioBuild struct {
	Holdings   []models.PortfolioHolding  `json:"holdings"`
	Snapshot   models.NetWorthSnapshot    `json:"snapshot"`
	Allocation map[string]decimal.Decimal `json:"allocation"`
	Swaps      []SwapResult               `json:"swaps"`
}

// SwapCoordinator selects viable assets, splits the budget and executes one swap per asset
type SwapCoordinator struct {
	aggregator adapter.SwapAggregator
	ledger     adapter.Ledger
	routes     RouteChecker
	rng        Shuffler
	cfg        SwapCoordinatorConfig
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewSwapCoordinator creates a new swap coordinator
func NewSwapCoordinator(
	aggregator adapter.SwapAggregator,
	ledger adapter.Ledger,
	routes RouteChecker,
	rng Shuffler,
	cfg SwapCoordinatorConfig,
	metrics *observability.Metrics,
) *SwapCoordinator {
	if cfg.TargetCount < 1 {
		cfg.TargetCount = 4
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Commitment == "" {
		cfg.Commitment = types.CommitmentProcessed
	}
	// an attempt spans quote, build and send plus the whole confirmation wait
	if cfg.AttemptTimeout > 0 && cfg.AttemptTimeout <= cfg.ConfirmTimeout {
		cfg.AttemptTimeout = cfg.ConfirmTimeout + confirmHeadroom
	}
	if rng == nil {
		rng = allocator.NewLockedSource(time.Now().UnixNano())
	}
	return &SwapCoordinator{
		aggregator: aggregator,
		ledger:     ledger,
		routes:     routes,
		rng:        rng,
		cfg:        cfg,
		metrics:    metrics,
		now:        time.Now,
	}
}

// BuildPortfolio shuffles candidates, keeps up to TargetCount viable ones,
// allocates the budget across them and swaps into each. Failed swaps are left
// out of the holdings; the build fails only when nothing could be bought.
func (c *SwapCoordinator) BuildPortfolio(ctx context.Context, budget decimal.Decimal, candidates []models.Asset, clerkID string, signer solana.Signer) (*PortfolioBuild, error) {
	logger := logging.FromContext(ctx).WithField("clerkId", clerkID)

	if !budget.IsPositive() {
		return nil, apperrors.NewInvalidParameterError("budget", "must be positive")
	}
	if signer == nil {
		return nil, apperrors.NewInvalidParameterError("signer", "is required")
	}

	selected := c.selectViable(ctx, budget, candidates)
	if len(selected) == 0 {
		return nil, apperrors.NewNoViableAssetsError(len(candidates))
	}
	if len(selected) < c.cfg.TargetCount {
		logger.WithFields(map[string]interface{}{
			"selected": len(selected),
			"target":   c.cfg.TargetCount,
		}).Warn("fewer viable assets than target, continuing")
	}

	ids := make([]string, len(selected))
	for i, a := range selected {
		ids[i] = a.ID
	}
	allocation, err := allocator.AllocateMap(c.rng, budget, ids, c.cfg.MinAllocation)
	if err != nil {
		return nil, err
	}

	build := &PortfolioBuild{Allocation: allocation}
	for i, asset := range selected {
		if i > 0 {
			if err := sleepContext(ctx, c.cfg.SwapSpacing); err != nil {
				logger.WithError(err).Warn("portfolio build interrupted, keeping completed swaps")
				break
			}
		}
		result := c.executeSwap(ctx, asset, allocation[asset.ID], signer)
		c.metrics.RecordSwap(string(result.Status))
		build.Swaps = append(build.Swaps, result)
	}

	build.Holdings, build.Snapshot = c.snapshot(selected, build.Swaps)
	if len(build.Holdings) == 0 {
		var causes []error
		attempts := 0
		for _, s := range build.Swaps {
			causes = append(causes, s.err)
			attempts += s.Attempts
		}
		return nil, apperrors.NewSwapExecutionError(fmt.Sprintf("all %d assets", len(selected)), attempts, stderrors.Join(causes...))
	}

	logger.WithFields(map[string]interface{}{
		"holdings": len(build.Holdings),
		"selected": len(selected),
		"netWorth": build.Snapshot.NetWorth.String(),
	}).Info("portfolio built")

	return build, nil
}

// selectViable walks a shuffled copy of candidates until TargetCount pass the route check
func (c *SwapCoordinator) selectViable(ctx context.Context, budget decimal.Decimal, candidates []models.Asset) []models.Asset {
	shuffled := make([]models.Asset, len(candidates))
	copy(shuffled, candidates)
	c.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	testAmount := budget.Div(decimal.NewFromInt(int64(c.cfg.TargetCount)))
	var selected []models.Asset
	for _, asset := range shuffled {
		if len(selected) >= c.cfg.TargetCount {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if c.routes.IsRouteViable(ctx, asset, testAmount) {
			selected = append(selected, asset)
		}
	}
	return selected
}

// executeSwap runs the swap under the retry policy and never returns an error:
// a terminal failure is recorded in the result.
func (c *SwapCoordinator) executeSwap(ctx context.Context, asset models.Asset, amountUSD decimal.Decimal, signer solana.Signer) SwapResult {
	logger := logging.FromContext(ctx).WithField("assetId", asset.ID)
	result := SwapResult{
		AssetID:      asset.ID,
		Mint:         asset.ContractAddress,
		AllocatedUSD: amountUSD,
		Status:       types.SwapStatusFailed,
	}

	policy := retry.Policy{
		MaxAttempts:    c.cfg.MaxAttempts,
		Backoff:        retry.Fixed(c.cfg.RetryDelay),
		AttemptTimeout: c.cfg.AttemptTimeout,
		Retryable: func(err error) bool {
			return !stderrors.Is(err, errInsufficientFunds)
		},
	}

	// inFlight is a transaction an earlier attempt submitted but could not confirm
	var inFlight *sentSwap
	outcome := policy.Do(logging.WithLogger(ctx, logger), func(ctx context.Context, attempt int) error {
		if inFlight != nil {
			quantity, landed, err := c.resumeSwap(ctx, asset, signer.PublicKey(), inFlight)
			if err != nil {
				c.metrics.RecordSwapAttempt(err)
				logger.WithFields(map[string]interface{}{
					"attempt":   attempt,
					"signature": inFlight.signature,
					"error":     err.Error(),
				}).Warn("earlier swap transaction still unresolved")
				return err
			}
			if landed {
				c.metrics.RecordSwapAttempt(nil)
				result.Quantity = quantity
				result.Signature = inFlight.signature
				return nil
			}
			logger.WithField("signature", inFlight.signature).Info("earlier swap transaction did not land, resubmitting")
			inFlight = nil
		}

		quantity, sent, err := c.swapOnce(ctx, asset, amountUSD, signer)
		c.metrics.RecordSwapAttempt(err)
		if err != nil {
			if sent != nil {
				inFlight = sent
			}
			logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("swap attempt failed")
			return err
		}
		result.Quantity = quantity
		result.Signature = sent.signature
		return nil
	})

	result.Attempts = outcome.Attempts
	if !outcome.Success {
		err := apperrors.NewSwapExecutionError(asset.ID, outcome.Attempts, outcome.LastError)
		result.Error = err.Error()
		result.err = err
		logger.WithError(err).Error("swap failed")
		return result
	}

	result.Status = types.SwapStatusSucceeded
	logger.WithFields(map[string]interface{}{
		"signature": result.Signature,
		"quantity":  result.Quantity.String(),
		"attempts":  result.Attempts,
	}).Info("swap confirmed")
	return result
}

// sentSwap is a submitted swap transaction with what is needed to settle it
type sentSwap struct {
	signature string
	before    *adapter.TokenBalance
	quote     *adapter.Quote
}

// swapOnce performs quote, build, sign, submit and confirm. Once the
// transaction is confirmed it always succeeds so the swap is never repeated.
// A non-nil sentSwap with an error means the transaction was submitted but
// its outcome is unknown.
func (c *SwapCoordinator) swapOnce(ctx context.Context, asset models.Asset, amountUSD decimal.Decimal, signer solana.Signer) (decimal.Decimal, *sentSwap, error) {
	logger := logging.FromContext(ctx)
	owner := signer.PublicKey()

	amount, err := toBaseUnits(amountUSD, c.cfg.ReferenceDecimals)
	if err != nil {
		return decimal.Zero, nil, err
	}

	funds, err := c.ledger.TokenBalance(ctx, owner, c.cfg.ReferenceMint)
	if err != nil {
		logger.WithError(err).Warn("reference balance unavailable, continuing")
	} else if funds.Amount.LessThan(amountUSD) {
		return decimal.Zero, nil, fmt.Errorf("%w: have %s, need %s", errInsufficientFunds, funds.Amount.String(), amountUSD.String())
	}

	before, err := c.ledger.TokenBalance(ctx, owner, asset.ContractAddress)
	if err != nil {
		logger.WithError(err).Warn("pre-swap balance unavailable")
		before = nil
	}

	quote, err := c.aggregator.Quote(ctx, adapter.QuoteRequest{
		InputMint:   c.cfg.ReferenceMint,
		OutputMint:  asset.ContractAddress,
		Amount:      amount,
		SlippageBps: c.cfg.SlippageBps,
	})
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("quote: %w", err)
	}
	if !quote.OutAmount.IsPositive() {
		return decimal.Zero, nil, fmt.Errorf("quote: %w: no output", adapter.ErrQuoteRejected)
	}

	encoded, err := c.aggregator.BuildSwapTransaction(ctx, quote, owner)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("build swap: %w", err)
	}

	signed, err := solana.SignBase64Transaction(encoded, signer)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("sign: %w", err)
	}

	signature, err := c.ledger.SendTransaction(ctx, signed)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("send: %w", err)
	}
	sent := &sentSwap{signature: signature, before: before, quote: quote}

	if err := c.ledger.ConfirmTransaction(ctx, signature, c.cfg.Commitment, c.cfg.ConfirmTimeout); err != nil {
		return decimal.Zero, sent, fmt.Errorf("confirm %s: %w", signature, err)
	}

	return c.realizedQuantity(ctx, asset, owner, before, quote), sent, nil
}

// resumeSwap settles a transaction an earlier attempt submitted. landed is
// true once it reached commitment; a transaction the ledger has seen below
// commitment is waited on again. Unknown or failed transactions return
// landed false so the caller resubmits.
func (c *SwapCoordinator) resumeSwap(ctx context.Context, asset models.Asset, owner string, sent *sentSwap) (decimal.Decimal, bool, error) {
	state, err := c.ledger.SignatureStatus(ctx, sent.signature, c.cfg.Commitment)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("status %s: %w", sent.signature, err)
	}

	switch state {
	case adapter.SignatureConfirmed:
	case adapter.SignaturePending:
		if err := c.ledger.ConfirmTransaction(ctx, sent.signature, c.cfg.Commitment, c.cfg.ConfirmTimeout); err != nil {
			return decimal.Zero, false, fmt.Errorf("confirm %s: %w", sent.signature, err)
		}
	default:
		return decimal.Zero, false, nil
	}

	return c.realizedQuantity(ctx, asset, owner, sent.before, sent.quote), true, nil
}

// realizedQuantity is the balance delta, or the quoted output when the delta cannot be read
func (c *SwapCoordinator) realizedQuantity(ctx context.Context, asset models.Asset, owner string, before *adapter.TokenBalance, quote *adapter.Quote) decimal.Decimal {
	decimals := asset.Decimals

	after, err := c.ledger.TokenBalance(ctx, owner, asset.ContractAddress)
	if err == nil {
		decimals = after.Decimals
		if before != nil {
			if delta := after.Amount.Sub(before.Amount); delta.IsPositive() {
				return delta
			}
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"assetId":   asset.ID,
		"outAmount": quote.OutAmount.String(),
		"decimals":  decimals,
	}).Warn("balance delta unavailable, using quoted output")
	return quote.OutAmount.Shift(-decimals)
}

// snapshot values realized quantities at the candidate's current price, or at
// the allocated amount when the asset has no price yet.
func (c *SwapCoordinator) snapshot(selected []models.Asset, swaps []SwapResult) ([]models.PortfolioHolding, models.NetWorthSnapshot) {
	byID := make(map[string]models.Asset, len(selected))
	for _, a := range selected {
		byID[a.ID] = a
	}

	var holdings []models.PortfolioHolding
	coins := make(map[string]decimal.Decimal)
	total := decimal.Zero

	for _, s := range swaps {
		if s.Status != types.SwapStatusSucceeded {
			continue
		}
		holdings = append(holdings, models.PortfolioHolding{AssetID: s.AssetID, Quantity: s.Quantity})

		worth := s.AllocatedUSD
		if asset := byID[s.AssetID]; asset.HasPrice() {
			worth = s.Quantity.Mul(asset.CurrentPrice.Decimal)
		}
		coins[s.AssetID] = coins[s.AssetID].Add(worth)
		total = total.Add(worth)
	}

	ts := c.now().UTC()
	return holdings, models.NetWorthSnapshot{NetWorth: total, CoinsWorth: coins, Timestamp: &ts}
}
