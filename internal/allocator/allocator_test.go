package allocator

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/memefolio/internal/errors"
)

// fixedSource replays the given weights in order, cycling
type fixedSource struct {
	values []float64
	i      int
}

func (f *fixedSource) Float64() float64 {
	v := f.values[f.i%len(f.values)]
	f.i++
	return v
}

func sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func TestAllocateExample(t *testing.T) {
	amounts, err := Allocate(NewLockedSource(42), decimal.NewFromInt(100), 4, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Len(t, amounts, 4)

	for _, a := range amounts {
		assert.True(t, a.GreaterThanOrEqual(decimal.NewFromInt(10)), "amount %s below floor", a)
		assert.LessOrEqual(t, -a.Exponent(), int32(2), "amount %s has more than 2 decimals", a)
	}
	assert.True(t, sum(amounts).Equal(decimal.NewFromInt(100)))
}

func TestAllocateRoundingNeedsCorrection(t *testing.T) {
	// Thirds of 10 round to 3.33 each; the residual cent must be added back.
	src := &fixedSource{values: []float64{0.5}}
	amounts, err := Allocate(src, decimal.NewFromInt(13), 3, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.True(t, sum(amounts).Equal(decimal.NewFromInt(13)))
	assert.Equal(t, "4.34", amounts[0].StringFixed(2))
	assert.Equal(t, "4.33", amounts[1].StringFixed(2))
	assert.Equal(t, "4.33", amounts[2].StringFixed(2))
}

func TestAllocateRoundingDownwardCorrection(t *testing.T) {
	// Half of one cent rounds up in two slots, one cent over the budget.
	src := &fixedSource{values: []float64{0.5, 0.5, 0}}
	amounts, err := Allocate(src, decimal.RequireFromString("3.01"), 3, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.True(t, sum(amounts).Equal(decimal.RequireFromString("3.01")))
	for _, a := range amounts {
		assert.True(t, a.GreaterThanOrEqual(decimal.NewFromInt(1)))
	}
}

func TestAllocateExactMinimum(t *testing.T) {
	amounts, err := Allocate(NewLockedSource(1), decimal.NewFromInt(4), 4, decimal.NewFromInt(1))
	require.NoError(t, err)
	for _, a := range amounts {
		assert.True(t, a.Equal(decimal.NewFromInt(1)))
	}
}

func TestAllocateAllZeroWeights(t *testing.T) {
	amounts, err := Allocate(&fixedSource{values: []float64{0}}, decimal.NewFromInt(50), 4, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, sum(amounts).Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "12.50", amounts[0].StringFixed(2))
}

func TestAllocateInsufficientBudget(t *testing.T) {
	_, err := Allocate(NewLockedSource(1), decimal.RequireFromString("39.99"), 4, decimal.NewFromInt(10))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientBudget))
}

func TestAllocateInvalidParameters(t *testing.T) {
	src := NewLockedSource(1)
	tests := []struct {
		name  string
		total decimal.Decimal
		count int
		min   decimal.Decimal
	}{
		{"zero count", decimal.NewFromInt(10), 0, decimal.NewFromInt(1)},
		{"negative total", decimal.NewFromInt(-1), 1, decimal.Zero},
		{"negative minimum", decimal.NewFromInt(10), 2, decimal.NewFromInt(-1)},
		{"total finer than 18 places", decimal.RequireFromString("10.0000000000000000001"), 2, decimal.NewFromInt(1)},
		{"minimum finer than 18 places", decimal.NewFromInt(10), 2, decimal.RequireFromString("0.0000000000000000001")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(src, tt.total, tt.count, tt.min)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
		})
	}
}

func TestAllocateUsesInputPrecision(t *testing.T) {
	amounts, err := Allocate(NewLockedSource(7), decimal.RequireFromString("10.005"), 3, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, sum(amounts).Equal(decimal.RequireFromString("10.005")))
}

func TestAllocateEighteenPlaces(t *testing.T) {
	total := decimal.RequireFromString("10.000000000000000001")
	amounts, err := Allocate(NewLockedSource(3), total, 4, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, sum(amounts).Equal(total))

	// trailing zeros past 18 places are not extra precision
	padded := decimal.RequireFromString("10.50000000000000000000")
	amounts, err = Allocate(NewLockedSource(3), padded, 4, decimal.RequireFromString("0.5"))
	require.NoError(t, err)
	assert.True(t, sum(amounts).Equal(padded))
}

func TestAllocatePlacesOutOfRange(t *testing.T) {
	_, err := AllocateWithPrecision(NewLockedSource(1), decimal.NewFromInt(10), 2, decimal.NewFromInt(1), MaxPlaces+1)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
}

func TestAllocateMap(t *testing.T) {
	ids := []string{"bonk", "wif", "popcat"}
	out, err := AllocateMap(NewLockedSource(3), decimal.NewFromInt(50), ids, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, out, 3)

	total := decimal.Zero
	for _, id := range ids {
		total = total.Add(out[id])
	}
	assert.True(t, total.Equal(decimal.NewFromInt(50)))
}

func TestAllocateReproducibleWithSeed(t *testing.T) {
	a, err := Allocate(NewLockedSource(99), decimal.NewFromInt(50), 4, decimal.NewFromInt(1))
	require.NoError(t, err)
	b, err := Allocate(NewLockedSource(99), decimal.NewFromInt(50), 4, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].String(), b[i].String())
	}
}

func TestAllocateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("sum equals total and every slot meets the floor", prop.ForAll(
		func(minCents int64, count int, extraCents int64, seed int64) bool {
			floor := decimal.New(minCents, -2)
			total := floor.Mul(decimal.NewFromInt(int64(count))).Add(decimal.New(extraCents, -2))

			amounts, err := Allocate(rand.New(rand.NewSource(seed)), total, count, floor)
			if err != nil || len(amounts) != count {
				return false
			}
			for _, a := range amounts {
				if a.LessThan(floor) || -a.Exponent() > 2 {
					return false
				}
			}
			return sum(amounts).Equal(total)
		},
		gen.Int64Range(0, 10_000),
		gen.IntRange(1, 12),
		gen.Int64Range(0, 1_000_000),
		gen.Int64(),
	))

	properties.Property("budget below count*floor fails with InsufficientBudget", prop.ForAll(
		func(minCents int64, count int, shortCents int64) bool {
			floor := decimal.New(minCents, -2)
			total := floor.Mul(decimal.NewFromInt(int64(count))).Sub(decimal.New(shortCents, -2))
			if total.IsNegative() {
				return true
			}
			_, err := Allocate(NewLockedSource(1), total, count, floor)
			return apperrors.HasCode(err, apperrors.CodeInsufficientBudget)
		},
		gen.Int64Range(1, 10_000),
		gen.IntRange(1, 12),
		gen.Int64Range(1, 500),
	))

	properties.TestingRun(t)
}
