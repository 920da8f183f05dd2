package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/models"
)

const coinGeckoProvider = "coingecko"

// CoinGeckoClient fetches prices and coin details from the CoinGecko v3 API
type CoinGeckoClient struct {
	baseURL string
	apiKey  string
	http    *requester
}

// CoinGeckoConfig holds configuration for the CoinGecko client
type CoinGeckoConfig struct {
	BaseURL string
	// APIKey is sent as x-cg-demo-api-key when set
	APIKey  string
	Timeout time.Duration
	// MaxRetries on 429 and network errors
	MaxRetries int
}

// NewCoinGeckoClient creates a new CoinGecko API client
func NewCoinGeckoClient(cfg CoinGeckoConfig) *CoinGeckoClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.coingecko.com/api/v3"
	}
	return &CoinGeckoClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    newRequester(coinGeckoProvider, cfg.Timeout, cfg.MaxRetries),
	}
}

func (c *CoinGeckoClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-cg-demo-api-key": c.apiKey}
}

type simplePriceEntry struct {
	USD           *decimal.Decimal `json:"usd"`
	LastUpdatedAt *int64           `json:"last_updated_at"`
}

// SimplePrices calls /simple/price for a comma-joined id list
func (c *CoinGeckoClient) SimplePrices(ctx context.Context, ids []string) (map[string]PriceQuote, error) {
	if len(ids) == 0 {
		return map[string]PriceQuote{}, nil
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	body, _, err := c.http.doJSON(ctx, http.MethodGet, endpoint, c.headers(), nil)
	if err != nil {
		return nil, NewAdapterError(coinGeckoProvider, "SimplePrices", err, map[string]interface{}{"ids": len(ids)})
	}

	var raw map[string]simplePriceEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, NewAdapterError(coinGeckoProvider, "SimplePrices", fmt.Errorf("%w: %v", ErrInvalidResponse, err), nil)
	}

	prices := make(map[string]PriceQuote, len(raw))
	for id, entry := range raw {
		if entry.USD == nil {
			continue
		}
		quote := PriceQuote{USD: *entry.USD}
		if entry.LastUpdatedAt != nil && *entry.LastUpdatedAt > 0 {
			ts := time.Unix(*entry.LastUpdatedAt, 0).UTC()
			quote.LastUpdatedAt = &ts
		}
		prices[id] = quote
	}
	return prices, nil
}

// CoinDetail calls /coins/{id} without localization or tickers
func (c *CoinGeckoClient) CoinDetail(ctx context.Context, id string) (*models.AssetMetadata, error) {
	q := url.Values{}
	q.Set("localization", "false")
	q.Set("tickers", "false")
	endpoint := fmt.Sprintf("%s/coins/%s?%s", c.baseURL, url.PathEscape(id), q.Encode())

	body, _, err := c.http.doJSON(ctx, http.MethodGet, endpoint, c.headers(), nil)
	if err != nil {
		return nil, NewAdapterError(coinGeckoProvider, "CoinDetail", err, map[string]interface{}{"id": id})
	}

	var meta models.AssetMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, NewAdapterError(coinGeckoProvider, "CoinDetail", fmt.Errorf("%w: %v", ErrInvalidResponse, err), nil)
	}
	return &meta, nil
}
