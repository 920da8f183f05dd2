package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/adapter"
	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/retry"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/types"
)

// DefaultFeeReserveLamports is 0.005 SOL, enough for a portfolio's swap fees
const DefaultFeeReserveLamports uint64 = 5_000_000

// WalletFunder tops a custodial wallet up before its portfolio is bought
type WalletFunder interface {
	FundWallet(ctx context.Context, owner string, budget decimal.Decimal) (*FundingResult, error)
}

// TreasuryConfig holds the treasury top-up policy
type TreasuryConfig struct {
	ReferenceMint     string
	ReferenceDecimals int32
	// FeeReserveLamports is the native balance a funded wallet holds for fees
	FeeReserveLamports uint64
	MaxAttempts        int
	RetryDelay         time.Duration
	AttemptTimeout     time.Duration
	ConfirmTimeout     time.Duration
	Commitment         types.Commitment
}

// FundingResult is what one top-up moved into the wallet
type FundingResult struct {
	Owner     string          `json:"owner"`
	Signature string          `json:"signature,omitempty"`
	Tokens    decimal.Decimal `json:"tokens"`
	Lamports  uint64          `json:"lamports"`
	Attempts  int             `json:"attempts"`
}

// Funded reports whether a transfer was needed
func (r *FundingResult) Funded() bool {
	return r.Signature != ""
}

// TreasuryFunder sends the purchase budget in the reference token and a fee
// reserve in SOL from the platform treasury to a custodial wallet. It only
// sends the shortfall, so repeating a top-up never pays twice.
type TreasuryFunder struct {
	ledger   adapter.Ledger
	treasury solana.Signer
	cfg      TreasuryConfig
	metrics  *observability.Metrics
}

// NewTreasuryFunder creates a funder paying from treasury
func NewTreasuryFunder(ledger adapter.Ledger, treasury solana.Signer, cfg TreasuryConfig, metrics *observability.Metrics) *TreasuryFunder {
	if cfg.FeeReserveLamports == 0 {
		cfg.FeeReserveLamports = DefaultFeeReserveLamports
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.AttemptTimeout <= cfg.ConfirmTimeout {
		cfg.AttemptTimeout = cfg.ConfirmTimeout + confirmHeadroom
	}
	if cfg.Commitment == "" {
		cfg.Commitment = types.CommitmentConfirmed
	}
	return &TreasuryFunder{
		ledger:   ledger,
		treasury: treasury,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// FundWallet brings owner up to budget in the reference token and to the fee
// reserve in SOL, creating the token account when it is missing.
func (f *TreasuryFunder) FundWallet(ctx context.Context, owner string, budget decimal.Decimal) (*FundingResult, error) {
	logger := logging.FromContext(ctx).WithField("wallet", owner)

	if owner == "" {
		return nil, apperrors.NewInvalidParameterError("owner", "is required")
	}
	if budget.IsNegative() {
		return nil, apperrors.NewInvalidParameterError("budget", "must not be negative")
	}

	result := &FundingResult{Owner: owner, Tokens: decimal.Zero}
	policy := retry.Policy{
		MaxAttempts:    f.cfg.MaxAttempts,
		Backoff:        retry.Fixed(f.cfg.RetryDelay),
		AttemptTimeout: f.cfg.AttemptTimeout,
	}

	// each attempt re-reads the balances, so a transfer that landed after its
	// confirmation timed out is not sent again
	outcome := policy.Do(logging.WithLogger(ctx, logger), func(ctx context.Context, attempt int) error {
		err := f.topUp(ctx, owner, budget, result)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("wallet funding attempt failed")
		}
		return err
	})
	result.Attempts = outcome.Attempts

	if !outcome.Success {
		f.metrics.RecordWalletFunding("failed")
		err := apperrors.NewWalletFundingError(owner, outcome.Attempts, outcome.LastError)
		logger.WithError(err).Error("wallet funding failed")
		return nil, err
	}

	if !result.Funded() {
		f.metrics.RecordWalletFunding("already_funded")
		logger.Info("wallet already funded")
		return result, nil
	}

	f.metrics.RecordWalletFunding("funded")
	logger.WithFields(map[string]interface{}{
		"signature": result.Signature,
		"tokens":    result.Tokens.String(),
		"lamports":  result.Lamports,
		"attempts":  result.Attempts,
	}).Info("wallet funded")
	return result, nil
}

func (f *TreasuryFunder) topUp(ctx context.Context, owner string, budget decimal.Decimal, result *FundingResult) error {
	tokens, err := f.ledger.TokenBalance(ctx, owner, f.cfg.ReferenceMint)
	if err != nil {
		return fmt.Errorf("reference balance: %w", err)
	}
	lamports, err := f.ledger.Balance(ctx, owner)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}

	treasury := f.treasury.PublicKey()
	var instructions []solana.Instruction

	var lamportsShort uint64
	if lamports < f.cfg.FeeReserveLamports {
		lamportsShort = f.cfg.FeeReserveLamports - lamports
		instructions = append(instructions, solana.SystemTransfer(treasury, owner, lamportsShort))
	}

	tokensShort := decimal.Zero
	if shortfall := budget.Sub(tokens.Amount); shortfall.IsPositive() {
		units := shortfall.Shift(f.cfg.ReferenceDecimals).Ceil()
		if !units.BigInt().IsUint64() {
			return fmt.Errorf("shortfall %s does not fit in base units", shortfall.String())
		}
		amount := units.BigInt().Uint64()

		create, err := solana.CreateAssociatedTokenAccountIdempotent(treasury, owner, f.cfg.ReferenceMint)
		if err != nil {
			return err
		}
		source, err := solana.FindAssociatedTokenAddress(treasury, f.cfg.ReferenceMint)
		if err != nil {
			return err
		}
		destination, err := solana.FindAssociatedTokenAddress(owner, f.cfg.ReferenceMint)
		if err != nil {
			return err
		}
		instructions = append(instructions,
			create,
			solana.TokenTransferChecked(source, f.cfg.ReferenceMint, destination, treasury, amount, uint8(f.cfg.ReferenceDecimals)),
		)
		tokensShort = units.Shift(-f.cfg.ReferenceDecimals)
	}

	if len(instructions) == 0 {
		return nil
	}

	blockhash, err := f.ledger.LatestBlockhash(ctx)
	if err != nil {
		return fmt.Errorf("blockhash: %w", err)
	}
	raw, err := solana.NewLegacyTransaction(treasury, blockhash, instructions...)
	if err != nil {
		return fmt.Errorf("build funding transaction: %w", err)
	}
	signed, err := solana.SignTransaction(raw, f.treasury)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	signature, err := f.ledger.SendTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	result.Signature = signature
	if err := f.ledger.ConfirmTransaction(ctx, signature, f.cfg.Commitment, f.cfg.ConfirmTimeout); err != nil {
		return fmt.Errorf("confirm %s: %w", signature, err)
	}

	result.Tokens = result.Tokens.Add(tokensShort)
	result.Lamports += lamportsShort
	return nil
}
