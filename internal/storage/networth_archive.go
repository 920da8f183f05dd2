package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/models"
)

// Snapshot sources recorded in the archive
const (
	ArchiveSourcePurchase = "purchase"
	ArchiveSourceSchedule = "schedule"
)

// ArchivedSnapshot is one net worth point in the archive
type ArchivedSnapshot struct {
	UserID     string
	ClerkID    string
	TakenAt    time.Time
	NetWorth   decimal.Decimal
	CoinsWorth map[string]decimal.Decimal
	Source     string
}

// NetWorthArchive keeps the full net worth series in ClickHouse. Postgres only
// holds the rolling window.
type NetWorthArchive struct {
	db *ClickHouseDB
}

// NewNetWorthArchive creates a new archive
func NewNetWorthArchive(db *ClickHouseDB) *NetWorthArchive {
	return &NetWorthArchive{db: db}
}

// Append writes snapshots in one batch
func (a *NetWorthArchive) Append(ctx context.Context, snapshots []ArchivedSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := a.db.Conn().PrepareBatch(ctx, `
		INSERT INTO networth_snapshots (user_id, clerk_id, taken_at, net_worth, coins_worth, source)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range snapshots {
		coins, err := json.Marshal(s.CoinsWorth)
		if err != nil {
			return fmt.Errorf("failed to marshal coins worth: %w", err)
		}
		if err := batch.Append(s.UserID, s.ClerkID, s.TakenAt, s.NetWorth, string(coins), s.Source); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// History returns a user's archived snapshots in [from, to), oldest first
func (a *NetWorthArchive) History(ctx context.Context, clerkID string, from, to time.Time) ([]models.NetWorthSnapshot, error) {
	query := `
		SELECT taken_at, net_worth, coins_worth
		FROM networth_snapshots
		WHERE clerk_id = ? AND taken_at >= ? AND taken_at < ?
		ORDER BY taken_at
	`

	rows, err := a.db.Conn().Query(ctx, query, clerkID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query net worth archive: %w", err)
	}
	defer rows.Close()

	var snapshots []models.NetWorthSnapshot
	for rows.Next() {
		var takenAt time.Time
		var netWorth decimal.Decimal
		var coinsJSON string
		if err := rows.Scan(&takenAt, &netWorth, &coinsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		s := models.NetWorthSnapshot{NetWorth: netWorth, Timestamp: &takenAt}
		if err := json.Unmarshal([]byte(coinsJSON), &s.CoinsWorth); err != nil {
			return nil, fmt.Errorf("failed to unmarshal coins worth: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}
