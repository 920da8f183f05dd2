// Package models provides data models for the memefolio system.
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is a tradable token. ID is the key shared by the price feed and the swap venue.
type Asset struct {
	ID              string              `json:"id" db:"id"`
	Symbol          string              `json:"symbol" db:"symbol"`
	Name            string              `json:"name" db:"name"`
	ContractAddress string              `json:"contractAddress" db:"contract_address"`
	Decimals        int32               `json:"decimals,omitempty" db:"decimals"`
	CurrentPrice    decimal.NullDecimal `json:"currentPrice" db:"current_price"`
	LastPriceUpdate *time.Time          `json:"lastPriceUpdate,omitempty" db:"last_price_update"`
	Active          bool                `json:"active" db:"active"`
	Metadata        json.RawMessage     `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time           `json:"createdAt" db:"created_at"`
}

// HasPrice reports whether the asset carries a positive spot price
func (a Asset) HasPrice() bool {
	return a.CurrentPrice.Valid && a.CurrentPrice.Decimal.IsPositive()
}

// PriceUpdate is one price write produced by the price sync job
type PriceUpdate struct {
	AssetID   string          `json:"assetId"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// AssetImport is one entry of an asset list handed to the importer
type AssetImport struct {
	ID              string `json:"id" csv:"id"`
	Symbol          string `json:"symbol" csv:"symbol"`
	Name            string `json:"name" csv:"name"`
	ContractAddress string `json:"solana_contract_address" csv:"solana_contract_address"`
}

// AssetMetadata is the descriptive blob fetched once per asset
type AssetMetadata struct {
	Description     map[string]string         `json:"description,omitempty"`
	Image           map[string]string         `json:"image,omitempty"`
	MarketData      json.RawMessage           `json:"market_data,omitempty"`
	Links           json.RawMessage           `json:"links,omitempty"`
	CommunityData   json.RawMessage           `json:"community_data,omitempty"`
	DeveloperData   json.RawMessage           `json:"developer_data,omitempty"`
	PublicNotice    *string                   `json:"public_notice,omitempty"`
	Categories      []string                  `json:"categories,omitempty"`
	Platforms       map[string]string         `json:"platforms,omitempty"`
	DetailPlatforms map[string]PlatformDetail `json:"detail_platforms,omitempty"`
}

// PlatformDetail carries the on-chain address and decimals of an asset on one platform
type PlatformDetail struct {
	DecimalPlace    *int32 `json:"decimal_place"`
	ContractAddress string `json:"contract_address"`
}
