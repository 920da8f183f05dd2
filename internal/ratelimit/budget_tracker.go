// Package ratelimit paces calls to the external price feed, which enforces a
// per-key request limit shared by every process using the same API key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget values, sized for the CoinGecko demo plan (30 calls/min).
const (
	DefaultTotalBudget    = 30
	DefaultReservedBudget = 20
	DefaultWindowSize     = time.Minute
)

// Redis key prefixes for request tracking.
const (
	KeyPrefixTotal    = "feed:budget:total:"
	KeyPrefixReserved = "feed:budget:reserved:"
	KeyPrefixShared   = "feed:budget:shared:"
)

// Priority selects the budget pool a request draws from.
type Priority int

const (
	// PriorityHigh is for the scheduled price sync (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for imports and metadata backfills (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// BudgetTracker counts feed requests per fixed window in Redis so the worker,
// the API server and the importer never jointly exceed the key's limit.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	Redis          redis.Cmdable
	TotalBudget    int
	ReservedBudget int
	WindowSize     time.Duration
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 || c.ReservedBudget < 0 {
		return errors.New("budgets cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	return total, reserved
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()
	window := cfg.WindowSize
	if window == 0 {
		window = DefaultWindowSize
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     window,
		keyTTL:         2 * window,
		now:            time.Now,
	}, nil
}

// consumeScript atomically checks both the total and the pool counter before incrementing.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget or poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(start time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume attempts to take n requests from the pool for priority. When denied
// it returns the time until the next window. A Redis failure denies the request.
func (t *BudgetTracker) TryConsume(ctx context.Context, n int, priority Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		n, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		return false, t.untilNextWindow(start)
	}
	return true, 0
}

func (t *BudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage contains current consumption for the window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// GetUsage returns current usage; missing keys count as zero.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read feed budget: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    start,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
