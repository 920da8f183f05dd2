package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/circuitbreaker"
)

const jupiterProvider = "jupiter"

// JupiterClient talks to the Jupiter v6 quote and swap endpoints. Calls go
// through a circuit breaker; a quote rejected with an error field does not
// count as an upstream failure.
type JupiterClient struct {
	baseURL string
	http    *requester
	breaker *circuitbreaker.CircuitBreaker
	opts    SwapOptions
}

// SwapOptions are the transaction build options sent with every swap request
type SwapOptions struct {
	PriorityFeeMicroLamports int64
	MaxAccounts              int
	ComputeUnitLimit         int64
}

// JupiterConfig holds configuration for the Jupiter client
type JupiterConfig struct {
	BaseURL string
	Timeout time.Duration
	Options SwapOptions
	Breaker *circuitbreaker.CircuitBreaker
}

// NewJupiterClient creates a new Jupiter API client
func NewJupiterClient(cfg JupiterConfig) *JupiterClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://quote-api.jup.ag/v6"
	}
	opts := cfg.Options
	if opts.MaxAccounts == 0 {
		opts.MaxAccounts = 64
	}
	if opts.ComputeUnitLimit == 0 {
		opts.ComputeUnitLimit = 1_000_000
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(jupiterProvider))
	}
	return &JupiterClient{
		baseURL: base,
		http:    newRequester(jupiterProvider, cfg.Timeout, 0),
		breaker: breaker,
		opts:    opts,
	}
}

// Breaker exposes the breaker for health reporting
func (c *JupiterClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

type quoteResponse struct {
	InputMint      string            `json:"inputMint"`
	OutputMint     string            `json:"outputMint"`
	InAmount       string            `json:"inAmount"`
	OutAmount      string            `json:"outAmount"`
	PriceImpactPct string            `json:"priceImpactPct"`
	RoutePlan      []json.RawMessage `json:"routePlan"`
	Error          string            `json:"error"`
}

// Quote requests a route for req
func (c *JupiterClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	if req.OnlyDirectRoutes {
		q.Set("onlyDirectRoutes", "true")
	}
	endpoint := c.baseURL + "/quote?" + q.Encode()

	var quote *Quote
	var rejected error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, _, err := c.http.doJSON(ctx, http.MethodGet, endpoint, nil, nil)

		var parsed quoteResponse
		if len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.Error != "" {
				rejected = fmt.Errorf("%w: %s", ErrQuoteRejected, parsed.Error)
				return nil
			}
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}

		out, err := decimal.NewFromString(parsed.OutAmount)
		if err != nil {
			return fmt.Errorf("%w: outAmount %q", ErrInvalidResponse, parsed.OutAmount)
		}
		in, _ := decimal.NewFromString(parsed.InAmount)

		quote = &Quote{
			InputMint:      parsed.InputMint,
			OutputMint:     parsed.OutputMint,
			InAmount:       in,
			OutAmount:      out,
			PriceImpactPct: parsed.PriceImpactPct,
			RouteHops:      len(parsed.RoutePlan),
			Raw:            json.RawMessage(body),
		}
		return nil
	})

	details := map[string]interface{}{"outputMint": req.OutputMint, "amount": req.Amount}
	if err != nil {
		return nil, NewAdapterError(jupiterProvider, "Quote", err, details)
	}
	if rejected != nil {
		return nil, NewAdapterError(jupiterProvider, "Quote", rejected, details)
	}
	return quote, nil
}

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSol              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	CreateAta                     bool            `json:"createAta"`
	ComputeUnitPriceMicroLamports int64           `json:"computeUnitPriceMicroLamports"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	MaxAccounts                   int             `json:"maxAccounts"`
	ComputeUnitLimit              int64           `json:"computeUnitLimit"`
	OnlyDirectRoutes              bool            `json:"onlyDirectRoutes"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	Error                string `json:"error"`
}

// BuildSwapTransaction posts the quote to /swap and returns the base64 versioned transaction
func (c *JupiterClient) BuildSwapTransaction(ctx context.Context, quote *Quote, userPublicKey string) (string, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return "", NewAdapterError(jupiterProvider, "BuildSwapTransaction", fmt.Errorf("quote is required"), nil)
	}

	payload := swapRequest{
		QuoteResponse:                 quote.Raw,
		UserPublicKey:                 userPublicKey,
		WrapAndUnwrapSol:              false,
		UseSharedAccounts:             false,
		CreateAta:                     true,
		ComputeUnitPriceMicroLamports: c.opts.PriorityFeeMicroLamports,
		AsLegacyTransaction:           false,
		MaxAccounts:                   c.opts.MaxAccounts,
		ComputeUnitLimit:              c.opts.ComputeUnitLimit,
		OnlyDirectRoutes:              true,
	}

	var tx string
	var rejected error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, _, err := c.http.doJSON(ctx, http.MethodPost, c.baseURL+"/swap", nil, payload)

		var parsed swapResponse
		if len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.Error != "" {
				rejected = fmt.Errorf("%w: %s", ErrQuoteRejected, parsed.Error)
				return nil
			}
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if parsed.SwapTransaction == "" {
			return fmt.Errorf("%w: empty swapTransaction", ErrInvalidResponse)
		}
		tx = parsed.SwapTransaction
		return nil
	})

	details := map[string]interface{}{"outputMint": quote.OutputMint}
	if err != nil {
		return "", NewAdapterError(jupiterProvider, "BuildSwapTransaction", err, details)
	}
	if rejected != nil {
		return "", NewAdapterError(jupiterProvider, "BuildSwapTransaction", rejected, details)
	}
	return tx, nil
}
