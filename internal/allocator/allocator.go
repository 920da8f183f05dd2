// Package allocator splits a budget across a number of assets.
package allocator

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "github.com/memefolio/internal/errors"
)

// DefaultPlaces is the working precision of USD amounts (cents)
const DefaultPlaces int32 = 2

// MaxPlaces is the finest precision an allocation can be matched at
const MaxPlaces int32 = 18

// RandomSource yields uniform floats in [0, 1)
type RandomSource interface {
	Float64() float64
}

// LockedSource is a RandomSource and shuffler that is safe for concurrent use
type LockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLockedSource seeds a concurrency-safe source. A fixed seed gives reproducible output.
func NewLockedSource(seed int64) *LockedSource {
	return &LockedSource{rng: rand.New(rand.NewSource(seed))}
}

// Float64 implements RandomSource
func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Shuffle permutes n elements uniformly
func (s *LockedSource) Shuffle(n int, swap func(i, j int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(n, swap)
}

// Allocate splits total into count amounts of cents, each at least minPerAsset,
// summing to total exactly.
func Allocate(rng RandomSource, total decimal.Decimal, count int, minPerAsset decimal.Decimal) ([]decimal.Decimal, error) {
	return AllocateWithPrecision(rng, total, count, minPerAsset, DefaultPlaces)
}

// AllocateWithPrecision is Allocate with a configurable minimum denomination of
// 10^-places. If total or minPerAsset carry more decimals than places, their
// precision is used instead so the sum can always be matched.
//
// Every slot starts at minPerAsset; the remainder is spread in proportion to
// random weights, each slot is rounded, then single-unit nudges fix the residual.
func AllocateWithPrecision(rng RandomSource, total decimal.Decimal, count int, minPerAsset decimal.Decimal, places int32) ([]decimal.Decimal, error) {
	if count < 1 {
		return nil, apperrors.NewInvalidParameterError("count", "must be at least 1")
	}
	if total.IsNegative() {
		return nil, apperrors.NewInvalidParameterError("total", "must not be negative")
	}
	if minPerAsset.IsNegative() {
		return nil, apperrors.NewInvalidParameterError("minPerAsset", "must not be negative")
	}
	if places < 0 || places > MaxPlaces {
		return nil, apperrors.NewInvalidParameterError("places", "must be between 0 and 18")
	}
	if !total.Round(MaxPlaces).Equal(total) {
		return nil, apperrors.NewInvalidParameterError("total", "must have at most 18 decimal places")
	}
	if !minPerAsset.Round(MaxPlaces).Equal(minPerAsset) {
		return nil, apperrors.NewInvalidParameterError("minPerAsset", "must have at most 18 decimal places")
	}
	if rng == nil {
		return nil, apperrors.NewInvalidParameterError("rng", "is required")
	}

	required := minPerAsset.Mul(decimal.NewFromInt(int64(count)))
	if total.LessThan(required) {
		return nil, apperrors.NewInsufficientBudgetError(total.String(), required.String(), count)
	}

	places = workingPlaces(places, total, minPerAsset)
	unit := decimal.New(1, -places)
	remainder := total.Sub(required)

	weights := make([]decimal.Decimal, count)
	weightSum := decimal.Zero
	for i := range weights {
		weights[i] = decimal.NewFromFloat(rng.Float64())
		weightSum = weightSum.Add(weights[i])
	}
	if weightSum.IsZero() {
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
		weightSum = decimal.NewFromInt(int64(count))
	}

	amounts := make([]decimal.Decimal, count)
	allocated := decimal.Zero
	for i, w := range weights {
		share := remainder.Mul(w).DivRound(weightSum, places+8).Round(places)
		amounts[i] = minPerAsset.Add(share)
		allocated = allocated.Add(amounts[i])
	}

	correctResidual(amounts, total.Sub(allocated), unit, minPerAsset)

	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	if !sum.Equal(total) {
		return nil, apperrors.NewInternalError("allocation did not converge to the budget", nil)
	}

	return amounts, nil
}

// AllocateMap allocates across ids, returning id -> amount
func AllocateMap(rng RandomSource, total decimal.Decimal, ids []string, minPerAsset decimal.Decimal) (map[string]decimal.Decimal, error) {
	amounts, err := Allocate(rng, total, len(ids), minPerAsset)
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(ids))
	for i, id := range ids {
		out[id] = out[id].Add(amounts[i])
	}
	return out, nil
}

func workingPlaces(places int32, values ...decimal.Decimal) int32 {
	for _, v := range values {
		if exp := -v.Exponent(); exp > places {
			places = exp
		}
	}
	return places
}

// correctResidual moves the sum onto the target one unit at a time, cycling
// through the slots. Downward nudges skip slots already at the floor.
func correctResidual(amounts []decimal.Decimal, residual, unit, floor decimal.Decimal) {
	steps := residual.Abs().Div(unit).IntPart()
	if steps == 0 {
		return
	}

	if residual.IsPositive() {
		for i := int64(0); i < steps; i++ {
			idx := int(i % int64(len(amounts)))
			amounts[idx] = amounts[idx].Add(unit)
		}
		return
	}

	idx := 0
	for i := int64(0); i < steps; i++ {
		for tries := 0; tries < len(amounts); tries++ {
			if amounts[idx].Sub(unit).GreaterThanOrEqual(floor) {
				amounts[idx] = amounts[idx].Sub(unit)
				idx = (idx + 1) % len(amounts)
				break
			}
			idx = (idx + 1) % len(amounts)
		}
	}
}
