package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/types"
)

// PriceFeed fetches spot prices and descriptive data for assets
type PriceFeed interface {
	// SimplePrices returns USD prices keyed by asset id. Ids unknown to the
	// feed are absent from the result.
	SimplePrices(ctx context.Context, ids []string) (map[string]PriceQuote, error)

	// CoinDetail returns the descriptive fields for one asset
	CoinDetail(ctx context.Context, id string) (*models.AssetMetadata, error)
}

// PriceQuote is one entry of a bulk price response
type PriceQuote struct {
	USD           decimal.Decimal
	LastUpdatedAt *time.Time
}

// SwapAggregator quotes and builds swap transactions
type SwapAggregator interface {
	// Quote returns the best route for exchanging Amount base units of InputMint
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)

	// BuildSwapTransaction returns the base64 serialized transaction for a quote
	BuildSwapTransaction(ctx context.Context, quote *Quote, userPublicKey string) (string, error)
}

// QuoteRequest describes a quote in base units of the input mint
type QuoteRequest struct {
	InputMint        string
	OutputMint       string
	Amount           uint64
	SlippageBps      int
	OnlyDirectRoutes bool
}

// Quote is a parsed aggregator quote. Raw is passed back unchanged when building the swap.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       decimal.Decimal
	OutAmount      decimal.Decimal
	PriceImpactPct string
	RouteHops      int
	Raw            json.RawMessage
}

// Ledger submits transactions and reads token balances
type Ledger interface {
	SendTransaction(ctx context.Context, tx *solana.SignedTransaction) (string, error)

	// ConfirmTransaction polls until the signature reaches commitment or timeout elapses
	ConfirmTransaction(ctx context.Context, signature string, commitment types.Commitment, timeout time.Duration) error

	// SignatureStatus looks a signature up once, including transaction history
	SignatureStatus(ctx context.Context, signature string, commitment types.Commitment) (SignatureState, error)

	// TokenBalance sums the owner's token accounts for mint
	TokenBalance(ctx context.Context, owner, mint string) (*TokenBalance, error)

	// Balance is the owner's native balance in lamports
	Balance(ctx context.Context, owner string) (uint64, error)

	LatestBlockhash(ctx context.Context) (string, error)
}

// SignatureState is what the ledger knows about a submitted signature
type SignatureState string

const (
	// SignatureUnknown means the ledger has no record of the signature
	SignatureUnknown   SignatureState = "unknown"
	SignaturePending   SignatureState = "pending"
	SignatureConfirmed SignatureState = "confirmed"
	SignatureFailed    SignatureState = "failed"
)

// TokenBalance is an owner's balance of one mint
type TokenBalance struct {
	// Amount is in display units (raw / 10^Decimals)
	Amount   decimal.Decimal
	Raw      decimal.Decimal
	Decimals int32
}

// Common error types for adapters

var (
	// ErrProviderUnavailable indicates the upstream could not be reached or returned 5xx
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")

	// ErrProviderRateLimit indicates the upstream rate limit was exceeded
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")

	// ErrInvalidResponse indicates a body that could not be decoded
	ErrInvalidResponse = fmt.Errorf("invalid provider response")

	// ErrQuoteRejected indicates the aggregator answered with an error field
	ErrQuoteRejected = fmt.Errorf("quote rejected")

	// ErrTransactionFailed indicates the ledger reported an execution error for a signature
	ErrTransactionFailed = fmt.Errorf("transaction failed")

	// ErrConfirmationTimeout indicates the signature did not reach the wanted commitment in time
	ErrConfirmationTimeout = fmt.Errorf("confirmation timeout")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Provider string
	Op       string
	Err      error
	Details  map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s %s: %v (details: %+v)", e.Provider, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(provider, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Provider: provider,
		Op:       op,
		Err:      err,
		Details:  details,
	}
}
