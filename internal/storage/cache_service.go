package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memefolio/internal/models"
)

// CacheService caches read views served by the API
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPortfolio is for a user's holdings and history view
	CacheKeyPortfolio CacheKeyType = "portfolio"
	// CacheKeyAssets is for the active asset list
	CacheKeyAssets CacheKeyType = "assets"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	return strings.Join(append([]string{string(keyType)}, params...), ":")
}

// GeneratePortfolioKey returns portfolio:<clerkId>
func (c *CacheService) GeneratePortfolioKey(clerkID string) string {
	return c.GenerateCacheKey(CacheKeyPortfolio, clerkID)
}

// GenerateAssetsKey returns assets:active
func (c *CacheService) GenerateAssetsKey() string {
	return c.GenerateCacheKey(CacheKeyAssets, "active")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it. A miss returns false with no error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidatePortfolios drops the cached views of the given users
func (c *CacheService) InvalidatePortfolios(ctx context.Context, clerkIDs ...string) error {
	keys := make([]string, 0, len(clerkIDs))
	for _, id := range clerkIDs {
		if id != "" {
			keys = append(keys, c.GeneratePortfolioKey(id))
		}
	}
	return c.Invalidate(ctx, keys...)
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}

// PortfolioView is the cached response of the portfolio endpoint
type PortfolioView struct {
	ClerkID         string                    `json:"clerkId"`
	WalletAddress   string                    `json:"walletAddress,omitempty"`
	HasRedeemed     bool                      `json:"hasRedeemed"`
	Portfolio       []models.PortfolioHolding `json:"portfolio"`
	NetWorthHistory models.NetWorthHistory    `json:"netWorthHistory"`
	LastUpdate      *time.Time                `json:"lastNetWorthUpdate,omitempty"`
	CachedAt        time.Time                 `json:"cachedAt"`
}
