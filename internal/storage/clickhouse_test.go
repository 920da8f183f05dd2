package storage

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memefolio/internal/config"
)

func newTestClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(&config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "memefolio",
		User:     "default",
		Password: "clickhouse_dev_password",
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNetWorthArchive_AppendAndHistory(t *testing.T) {
	db := newTestClickHouse(t)
	ctx := testContext(t)
	require.NoError(t, RunClickHouseMigrations(ctx, db))

	archive := NewNetWorthArchive(db)
	clerkID := "user_" + uuid.New().String()
	base := time.Now().UTC().Truncate(time.Millisecond)

	err := archive.Append(ctx, []ArchivedSnapshot{
		{UserID: "u1", ClerkID: clerkID, TakenAt: base, NetWorth: decimal.RequireFromString("0.01"),
			CoinsWorth: map[string]decimal.Decimal{"bonk": decimal.RequireFromString("0.01")}, Source: ArchiveSourcePurchase},
		{UserID: "u1", ClerkID: clerkID, TakenAt: base.Add(time.Hour), NetWorth: decimal.RequireFromString("0.02"),
			CoinsWorth: map[string]decimal.Decimal{"bonk": decimal.RequireFromString("0.02")}, Source: ArchiveSourceSchedule},
	})
	require.NoError(t, err)

	history, err := archive.History(ctx, clerkID, base.Add(-time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].NetWorth.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, history[1].Consistent())
}

func TestClickHouseOptions(t *testing.T) {
	opts := clickHouseOptions(&config.ClickHouseConfig{
		Host:     "archive",
		Port:     "9440",
		Database: "memefolio",
		User:     "writer",
	})
	assert.Equal(t, []string{"archive:9440"}, opts.Addr)
	assert.Equal(t, "writer", opts.Auth.Username)
	assert.Equal(t, 1, opts.Settings["async_insert"])
	require.NotNil(t, opts.Compression)
	assert.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
}
