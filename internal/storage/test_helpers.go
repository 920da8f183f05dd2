package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/memefolio/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestRedis starts an in-memory Redis for the test
func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "memefolio_test",
		User:           "memefolio",
		Password:       "memefolio_dev_password",
		MaxConnections: 5,
	}
}

// newTestPostgres connects and migrates, or skips when Postgres is unavailable
func newTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.PostgresDSN()); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if _, err := db.Pool().Exec(testContext(t), `TRUNCATE assets, users`); err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}
