package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/models"
)

// AssetRepository handles asset persistence. Prices are NUMERIC and cross
// the driver as text so no precision is lost.
type AssetRepository struct {
	db *PostgresDB
}

// NewAssetRepository creates a new asset repository
func NewAssetRepository(db *PostgresDB) *AssetRepository {
	return &AssetRepository{db: db}
}

const assetColumns = `id, symbol, name, contract_address, decimals, current_price::text,
	last_price_update, active, metadata, created_at`

// ListActive returns assets eligible for new allocations
func (r *AssetRepository) ListActive(ctx context.Context) ([]models.Asset, error) {
	return r.list(ctx, `SELECT `+assetColumns+` FROM assets WHERE active ORDER BY id`)
}

// ListAll returns every tracked asset
func (r *AssetRepository) ListAll(ctx context.Context) ([]models.Asset, error) {
	return r.list(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY id`)
}

// ListMissingMetadata returns assets whose metadata has not been fetched yet
func (r *AssetRepository) ListMissingMetadata(ctx context.Context) ([]models.Asset, error) {
	return r.list(ctx, `SELECT `+assetColumns+` FROM assets WHERE metadata IS NULL ORDER BY id`)
}

// PriceMap returns id -> current price for every asset that has one
func (r *AssetRepository) PriceMap(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT id, current_price::text FROM assets WHERE current_price IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, price string
		if err := rows.Scan(&id, &price); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", id, err)
		}
		prices[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return prices, nil
}

// UpdatePrices writes all updates in one transaction and returns the number of rows changed
func (r *AssetRepository) UpdatePrices(ctx context.Context, updates []models.PriceUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE assets
			SET current_price = $2::numeric, last_price_update = $3
			WHERE id = $1
		`, u.AssetID, u.Price.String(), u.UpdatedAt)
	}

	var affected int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		affected, err = execBatch(ctx, tx, batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update prices: %w", err)
	}
	return affected, nil
}

// CreateMany inserts assets, skipping ids that already exist. Returns the number inserted.
func (r *AssetRepository) CreateMany(ctx context.Context, assets []models.Asset) (int64, error) {
	if len(assets) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, a := range assets {
		var price *string
		if a.CurrentPrice.Valid {
			s := a.CurrentPrice.Decimal.String()
			price = &s
		}
		var decimals *int32
		if a.Decimals > 0 {
			decimals = &a.Decimals
		}
		batch.Queue(`
			INSERT INTO assets (id, symbol, name, contract_address, decimals, current_price,
				last_price_update, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, a.ID, a.Symbol, a.Name, a.ContractAddress, decimals, price, a.LastPriceUpdate, a.Active, now)
	}

	var inserted int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		inserted, err = execBatch(ctx, tx, batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create assets: %w", err)
	}
	return inserted, nil
}

// Activate marks the listed ids active and returns the number of rows changed
func (r *AssetRepository) Activate(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Pool().Exec(ctx, `UPDATE assets SET active = TRUE WHERE id = ANY($1) AND NOT active`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to activate assets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveMetadata stores metadata once; later calls for the same asset are ignored.
// decimals fills the column only when it is still empty.
func (r *AssetRepository) SaveMetadata(ctx context.Context, id string, metadata json.RawMessage, decimals *int32) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE assets
		SET metadata = $2::jsonb, decimals = COALESCE(decimals, $3)
		WHERE id = $1 AND metadata IS NULL
	`, id, string(metadata), decimals)
	if err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", id, err)
	}
	return nil
}

func (r *AssetRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.Asset, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	var decimals *int32
	var price *string
	var metadata []byte

	err := row.Scan(
		&a.ID,
		&a.Symbol,
		&a.Name,
		&a.ContractAddress,
		&decimals,
		&price,
		&a.LastPriceUpdate,
		&a.Active,
		&metadata,
		&a.CreatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("failed to scan asset: %w", err)
	}

	if decimals != nil {
		a.Decimals = *decimals
	}
	if price != nil {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return a, fmt.Errorf("invalid price for %s: %w", a.ID, err)
		}
		a.CurrentPrice = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if len(metadata) > 0 {
		a.Metadata = json.RawMessage(metadata)
	}
	return a, nil
}
