package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/types"
)

const solanaProvider = "solana"

// SolanaClient is a Solana JSON-RPC client built on the go-ethereum JSON-RPC 2.0 transport
type SolanaClient struct {
	rpc          *rpc.Client
	url          string
	commitment   types.Commitment
	pollInterval time.Duration
}

// SolanaConfig holds configuration for the Solana client
type SolanaConfig struct {
	RPCURL       string
	Commitment   types.Commitment
	PollInterval time.Duration
}

// NewSolanaClient dials the RPC endpoint
func NewSolanaClient(ctx context.Context, cfg SolanaConfig) (*SolanaClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("solana RPC URL is required")
	}
	client, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to solana RPC: %w", err)
	}

	commitment := cfg.Commitment
	if commitment == "" {
		commitment = types.CommitmentProcessed
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &SolanaClient{
		rpc:          client,
		url:          cfg.RPCURL,
		commitment:   commitment,
		pollInterval: poll,
	}, nil
}

// Close closes the underlying connection
func (c *SolanaClient) Close() {
	c.rpc.Close()
}

// SendTransaction submits a signed transaction with preflight checks enabled
func (c *SolanaClient) SendTransaction(ctx context.Context, tx *solana.SignedTransaction) (string, error) {
	opts := map[string]interface{}{
		"encoding":            "base64",
		"skipPreflight":       false,
		"maxRetries":          3,
		"preflightCommitment": string(c.commitment),
	}

	var signature string
	if err := c.rpc.CallContext(ctx, &signature, "sendTransaction", tx.Base64(), opts); err != nil {
		return "", NewAdapterError(solanaProvider, "SendTransaction", err, map[string]interface{}{"signature": tx.Signature})
	}
	return signature, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *signatureStatus) failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// ConfirmTransaction polls getSignatureStatuses until the signature reaches
// commitment, fails on chain, or timeout elapses.
func (c *SolanaClient) ConfirmTransaction(ctx context.Context, signature string, commitment types.Commitment, timeout time.Duration) error {
	if commitment == "" {
		commitment = c.commitment
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := logging.FromContext(ctx).WithField("signature", signature)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.signatureStatus(ctx, signature, false)
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Debug("signature status poll failed")
		}

		if err == nil && status != nil {
			if status.failed() {
				return NewAdapterError(solanaProvider, "ConfirmTransaction", ErrTransactionFailed,
					map[string]interface{}{"signature": signature, "err": string(status.Err)})
			}
			if types.Commitment(status.ConfirmationStatus).Reaches(commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return NewAdapterError(solanaProvider, "ConfirmTransaction", ErrConfirmationTimeout,
				map[string]interface{}{"signature": signature, "commitment": string(commitment)})
		case <-ticker.C:
		}
	}
}

// SignatureStatus checks a signature once, searching transaction history so
// that an older submission is still found.
func (c *SolanaClient) SignatureStatus(ctx context.Context, signature string, commitment types.Commitment) (SignatureState, error) {
	if commitment == "" {
		commitment = c.commitment
	}
	status, err := c.signatureStatus(ctx, signature, true)
	if err != nil {
		return "", NewAdapterError(solanaProvider, "SignatureStatus", err, map[string]interface{}{"signature": signature})
	}
	switch {
	case status == nil:
		return SignatureUnknown, nil
	case status.failed():
		return SignatureFailed, nil
	case types.Commitment(status.ConfirmationStatus).Reaches(commitment):
		return SignatureConfirmed, nil
	default:
		return SignaturePending, nil
	}
}

func (c *SolanaClient) signatureStatus(ctx context.Context, signature string, searchHistory bool) (*signatureStatus, error) {
	var result signatureStatusesResult
	err := c.rpc.CallContext(ctx, &result, "getSignatureStatuses", []string{signature},
		map[string]interface{}{"searchTransactionHistory": searchHistory})
	if err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

type tokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string      `json:"mint"`
						TokenAmount tokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// TokenBalance sums the owner's parsed token accounts for mint. An owner with
// no account for mint has a zero balance.
func (c *SolanaClient) TokenBalance(ctx context.Context, owner, mint string) (*TokenBalance, error) {
	var result tokenAccountsResult
	err := c.rpc.CallContext(ctx, &result, "getTokenAccountsByOwner", owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": string(c.commitment)})
	if err != nil {
		return nil, NewAdapterError(solanaProvider, "TokenBalance", err, map[string]interface{}{"owner": owner, "mint": mint})
	}

	balance := &TokenBalance{Amount: decimal.Zero, Raw: decimal.Zero}
	for _, acct := range result.Value {
		amt := acct.Account.Data.Parsed.Info.TokenAmount
		raw, err := decimal.NewFromString(amt.Amount)
		if err != nil {
			return nil, NewAdapterError(solanaProvider, "TokenBalance", fmt.Errorf("%w: amount %q", ErrInvalidResponse, amt.Amount), nil)
		}
		balance.Raw = balance.Raw.Add(raw)
		balance.Decimals = amt.Decimals
	}
	balance.Amount = balance.Raw.Shift(-balance.Decimals)
	return balance, nil
}

// Balance returns the owner's native balance in lamports
func (c *SolanaClient) Balance(ctx context.Context, owner string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	err := c.rpc.CallContext(ctx, &result, "getBalance", owner, map[string]string{"commitment": string(c.commitment)})
	if err != nil {
		return 0, NewAdapterError(solanaProvider, "Balance", err, map[string]interface{}{"owner": owner})
	}
	return result.Value, nil
}

// LatestBlockhash returns the current blockhash for new transactions and health checks
func (c *SolanaClient) LatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := c.rpc.CallContext(ctx, &result, "getLatestBlockhash", map[string]string{"commitment": string(c.commitment)})
	if err != nil {
		return "", NewAdapterError(solanaProvider, "LatestBlockhash", err, nil)
	}
	return result.Value.Blockhash, nil
}
