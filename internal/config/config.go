// Package config provides configuration management for the memefolio services.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// USDCMint is the mainnet USDC mint, the default reference currency for swaps.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	PriceFeed PriceFeedConfig
	Swap      SwapConfig
	Chain     ChainConfig
	NetWorth  NetWorthConfig
	Worker    WorkerConfig
	Purchase  PurchaseConfig
	Custody   CustodyConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// CronSecret guards POST /api/cron; empty disables the endpoint.
	CronSecret string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	PortfolioTTL time.Duration
	AssetsTTL    time.Duration
}

// PriceFeedConfig holds CoinGecko configuration and sync batching
type PriceFeedConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
	ActiveOnly  bool

	// Import and metadata pacing
	ImportBatchSize   int
	ImportDelay       time.Duration
	MetadataDelay     time.Duration
	MetadataErrorWait time.Duration

	// Per-minute request budget shared across processes; the scheduled sync draws from the reserved part
	RequestBudget  int
	ReservedBudget int
}

// SwapConfig holds swap aggregator configuration and portfolio build policy
type SwapConfig struct {
	QuoteURL                 string
	SlippageBps              int
	PriorityFeeMicroLamports int64
	MaxAccounts              int
	TargetCount              int
	MinAllocation            decimal.Decimal
	MaxAttempts              int
	RetryDelay               time.Duration
	AttemptTimeout           time.Duration
	SwapSpacing              time.Duration
	ReferenceMint            string
	ReferenceDecimals        int32
	BreakerThreshold         int
	BreakerTimeout           time.Duration
}

// ChainConfig holds Solana RPC configuration
type ChainConfig struct {
	RPCURL         string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Commitment     string
}

// NetWorthConfig holds net worth aggregation configuration
type NetWorthConfig struct {
	HistoryCap int
	BatchSize  int
}

// WorkerConfig holds scheduled runner configuration
type WorkerConfig struct {
	Interval   time.Duration
	LockTTL    time.Duration
	RunOnStart bool
}

// PurchaseConfig holds purchase flow configuration
type PurchaseConfig struct {
	BudgetUSD     decimal.Decimal
	WebhookSecret string
	WebhookWindow time.Duration
	// PlatformPrivateKey is the treasury keypair that funds custodial wallets
	PlatformPrivateKey string
	FeeReserveSOL      decimal.Decimal
	FundingAttempts    int
}

// FeeReserveLamports converts FeeReserveSOL to lamports
func (c PurchaseConfig) FeeReserveLamports() uint64 {
	return uint64(c.FeeReserveSOL.Shift(9).IntPart())
}

// CustodyConfig holds custodial key sealing configuration
type CustodyConfig struct {
	EncryptionKey string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; variables may be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			CronSecret: getEnv("CRON_SECRET", ""),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "memefolio"),
				User:           getEnv("POSTGRES_USER", "memefolio"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "memefolio"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Cache: CacheConfig{
			PortfolioTTL: getEnvAsDuration("CACHE_PORTFOLIO_TTL", 5*time.Minute),
			AssetsTTL:    getEnvAsDuration("CACHE_ASSETS_TTL", time.Minute),
		},
		PriceFeed: PriceFeedConfig{
			BaseURL:           getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
			APIKey:            getEnv("COINGECKO_API_KEY", ""),
			Timeout:           getEnvAsDuration("COINGECKO_TIMEOUT", 15*time.Second),
			BatchSize:         getEnvAsInt("PRICE_SYNC_BATCH_SIZE", 250),
			BatchDelay:        getEnvAsDuration("PRICE_SYNC_BATCH_DELAY", 500*time.Millisecond),
			Concurrency:       getEnvAsInt("PRICE_SYNC_CONCURRENCY", 1),
			ActiveOnly:        getEnvAsBool("PRICE_SYNC_ACTIVE_ONLY", true),
			ImportBatchSize:   getEnvAsInt("IMPORT_BATCH_SIZE", 100),
			ImportDelay:       getEnvAsDuration("IMPORT_BATCH_DELAY", 1500*time.Millisecond),
			MetadataDelay:     getEnvAsDuration("METADATA_DELAY", 2500*time.Millisecond),
			MetadataErrorWait: getEnvAsDuration("METADATA_ERROR_WAIT", 5*time.Second),
			RequestBudget:     getEnvAsInt("FEED_REQUEST_BUDGET", 30),
			ReservedBudget:    getEnvAsInt("FEED_RESERVED_BUDGET", 20),
		},
		Swap: SwapConfig{
			QuoteURL:                 getEnv("JUPITER_BASE_URL", "https://quote-api.jup.ag/v6"),
			SlippageBps:              getEnvAsInt("SWAP_SLIPPAGE_BPS", 100),
			PriorityFeeMicroLamports: int64(getEnvAsInt("SWAP_PRIORITY_FEE", 100000)),
			MaxAccounts:              getEnvAsInt("SWAP_MAX_ACCOUNTS", 64),
			TargetCount:              getEnvAsInt("SWAP_TARGET_COUNT", 4),
			MinAllocation:            getEnvAsDecimal("SWAP_MIN_ALLOCATION", decimal.NewFromInt(1)),
			MaxAttempts:              getEnvAsInt("SWAP_MAX_ATTEMPTS", 3),
			RetryDelay:               getEnvAsDuration("SWAP_RETRY_DELAY", 3*time.Second),
			AttemptTimeout:           getEnvAsDuration("SWAP_ATTEMPT_TIMEOUT", 60*time.Second),
			SwapSpacing:              getEnvAsDuration("SWAP_SPACING", 2*time.Second),
			ReferenceMint:            getEnv("SWAP_REFERENCE_MINT", USDCMint),
			ReferenceDecimals:        int32(getEnvAsInt("SWAP_REFERENCE_DECIMALS", 6)),
			BreakerThreshold:         getEnvAsInt("SWAP_BREAKER_THRESHOLD", 5),
			BreakerTimeout:           getEnvAsDuration("SWAP_BREAKER_TIMEOUT", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:         getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
			ConfirmTimeout: getEnvAsDuration("SOLANA_CONFIRM_TIMEOUT", 30*time.Second),
			PollInterval:   getEnvAsDuration("SOLANA_CONFIRM_POLL", time.Second),
			Commitment:     getEnv("SOLANA_COMMITMENT", "processed"),
		},
		NetWorth: NetWorthConfig{
			HistoryCap: getEnvAsInt("NETWORTH_HISTORY_CAP", 24),
			BatchSize:  getEnvAsInt("NETWORTH_BATCH_SIZE", 50),
		},
		Worker: WorkerConfig{
			Interval:   getEnvAsDuration("WORKER_INTERVAL", time.Hour),
			LockTTL:    getEnvAsDuration("WORKER_LOCK_TTL", 30*time.Minute),
			RunOnStart: getEnvAsBool("WORKER_RUN_ON_START", true),
		},
		Purchase: PurchaseConfig{
			BudgetUSD:     getEnvAsDecimal("PURCHASE_BUDGET_USD", decimal.NewFromInt(50)),
			WebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			WebhookWindow: getEnvAsDuration("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute),

			PlatformPrivateKey: getEnv("PLATFORM_PRIVATE_KEY", ""),
			FeeReserveSOL:      getEnvAsDecimal("PURCHASE_FEE_RESERVE_SOL", decimal.RequireFromString("0.005")),
			FundingAttempts:    getEnvAsInt("PURCHASE_FUNDING_ATTEMPTS", 3),
		},
		Custody: CustodyConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside a job run
func (c *Config) Validate() error {
	var problems []string

	if c.PriceFeed.BatchSize < 1 {
		problems = append(problems, "PRICE_SYNC_BATCH_SIZE must be positive")
	}
	if c.PriceFeed.Concurrency < 1 {
		problems = append(problems, "PRICE_SYNC_CONCURRENCY must be positive")
	}
	if c.PriceFeed.ReservedBudget > c.PriceFeed.RequestBudget {
		problems = append(problems, "FEED_RESERVED_BUDGET cannot exceed FEED_REQUEST_BUDGET")
	}
	if c.NetWorth.BatchSize < 1 {
		problems = append(problems, "NETWORTH_BATCH_SIZE must be positive")
	}
	if c.NetWorth.HistoryCap < 1 {
		problems = append(problems, "NETWORTH_HISTORY_CAP must be at least 1")
	}
	if c.Swap.TargetCount < 1 {
		problems = append(problems, "SWAP_TARGET_COUNT must be at least 1")
	}
	if c.Swap.MaxAttempts < 1 {
		problems = append(problems, "SWAP_MAX_ATTEMPTS must be at least 1")
	}
	if c.Swap.MinAllocation.IsNegative() {
		problems = append(problems, "SWAP_MIN_ALLOCATION must not be negative")
	}
	if c.Swap.AttemptTimeout > 0 && c.Swap.AttemptTimeout <= c.Chain.ConfirmTimeout {
		problems = append(problems, fmt.Sprintf("SWAP_ATTEMPT_TIMEOUT (%s) must exceed SOLANA_CONFIRM_TIMEOUT (%s)",
			c.Swap.AttemptTimeout, c.Chain.ConfirmTimeout))
	}
	if !c.Purchase.BudgetUSD.IsPositive() {
		problems = append(problems, "PURCHASE_BUDGET_USD must be positive")
	}
	if c.Purchase.FeeReserveSOL.IsNegative() {
		problems = append(problems, "PURCHASE_FEE_RESERVE_SOL must not be negative")
	}
	if key := c.Custody.EncryptionKey; key != "" {
		if n := len(key); n < 16 {
			problems = append(problems, fmt.Sprintf("ENCRYPTION_KEY must be at least 16 characters, got %d", n))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresDSN builds the connection URL used by pgx and golang-migrate
func (c PostgresConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal gets an environment variable as a decimal amount with a default value
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
