package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/memefolio/internal/adapter"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
)

// RouteChecker decides whether an asset can be bought right now
type RouteChecker interface {
	IsRouteViable(ctx context.Context, asset models.Asset, testAmount decimal.Decimal) bool
}

// RouteFilterConfig holds the reference currency a route check spends
type RouteFilterConfig struct {
	ReferenceMint     string
	ReferenceDecimals int32
	SlippageBps       int
}

// RouteFilter asks the swap aggregator for a direct quote from the reference
// currency into an asset. It fails closed: any error means not viable.
type RouteFilter struct {
	aggregator adapter.SwapAggregator
	cfg        RouteFilterConfig
	metrics    *observability.Metrics
}

// NewRouteFilter creates a new route filter
func NewRouteFilter(aggregator adapter.SwapAggregator, cfg RouteFilterConfig, metrics *observability.Metrics) *RouteFilter {
	return &RouteFilter{
		aggregator: aggregator,
		cfg:        cfg,
		metrics:    metrics,
	}
}

// IsRouteViable reports whether a direct route quotes a positive output for testAmount USD
func (f *RouteFilter) IsRouteViable(ctx context.Context, asset models.Asset, testAmount decimal.Decimal) bool {
	viable, err := f.check(ctx, asset, testAmount)
	f.metrics.RecordRouteCheck(viable)
	if err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"assetId":    asset.ID,
			"testAmount": testAmount.String(),
			"error":      err.Error(),
		}).Warn("route not viable")
	}
	return viable
}

func (f *RouteFilter) check(ctx context.Context, asset models.Asset, testAmount decimal.Decimal) (bool, error) {
	if asset.ContractAddress == "" {
		return false, fmt.Errorf("asset has no contract address")
	}

	amount, err := toBaseUnits(testAmount, f.cfg.ReferenceDecimals)
	if err != nil {
		return false, err
	}

	quote, err := f.aggregator.Quote(ctx, adapter.QuoteRequest{
		InputMint:        f.cfg.ReferenceMint,
		OutputMint:       asset.ContractAddress,
		Amount:           amount,
		SlippageBps:      f.cfg.SlippageBps,
		OnlyDirectRoutes: true,
	})
	if err != nil {
		return false, err
	}
	if quote == nil || !quote.OutAmount.IsPositive() {
		return false, fmt.Errorf("quote has no output")
	}
	return true, nil
}

// toBaseUnits floors a display amount to integer base units
func toBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	units := amount.Shift(decimals).Floor()
	if !units.IsPositive() {
		return 0, fmt.Errorf("amount %s is below one base unit", amount.String())
	}
	b := units.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows base units", amount.String())
	}
	return b.Uint64(), nil
}
