package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/memefolio/internal/config"
)

// ClickHouseDB holds the connection backing the net worth archive
type ClickHouseDB struct {
	conn driver.Conn
}

// clickHouseOptions tunes the driver for the archive workload: small
// appends after every net worth batch and occasional range reads.
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
			// appends are a few hundred rows; let the server coalesce them into parts
			"async_insert":          1,
			"wait_for_async_insert": 1,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "memefolio-archive", Version: "1"},
			},
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// NewClickHouseDB connects and pings the archive database
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			return nil, fmt.Errorf("failed to ping ClickHouse: [%d] %s: %w", exception.Code, exception.Message, err)
		}
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

func (db *ClickHouseDB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn exposes the driver for batch inserts and row scans
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Exec runs a DDL or mutation statement
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
