package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbank/internal/types"
)

func TestTieredPriceCents(t *testing.T) {
	tests := []struct {
		coins int
		want  int64
	}{
		{10, 200},
		{100, 2000},
		{101, 2015},
		{300, 5000},
		{500, 7000},
		{1000, 11000},
	}

	for _, tc := range tests {
		total, err := TieredPriceCents(tc.coins)
		require.NoError(t, err, "coins=%d", tc.coins)
		assert.Equal(t, tc.want, total, "coins=%d", tc.coins)
	}
}

func TestTieredPriceCents_OutOfRange(t *testing.T) {
	for _, coins := range []int{0, 9, 1001, -5} {
		_, err := TieredPriceCents(coins)
		require.Error(t, err, "coins=%d", coins)
		assert.Equal(t, types.ErrCodeValidationCoinRange, types.CodeOf(err), "coins=%d", coins)
	}
}

func TestPricingBreakdown_SpansTiers(t *testing.T) {
	lines, err := PricingBreakdown(350)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, 100, lines[0].CoinsInTier)
	assert.Equal(t, int64(20), lines[0].RateCents)
	assert.Equal(t, int64(2000), lines[0].SubtotalCents)

	assert.Equal(t, 200, lines[1].CoinsInTier)
	assert.Equal(t, int64(15), lines[1].RateCents)
	assert.Equal(t, int64(3000), lines[1].SubtotalCents)

	assert.Equal(t, 50, lines[2].CoinsInTier)
	assert.Equal(t, int64(10), lines[2].RateCents)
	assert.Equal(t, int64(500), lines[2].SubtotalCents)
}

func TestPricingBreakdown_SumMatchesTotal(t *testing.T) {
	for _, coins := range []int{10, 99, 100, 250, 500, 777, 1000} {
		lines, err := PricingBreakdown(coins)
		require.NoError(t, err)

		var sum int64
		covered := 0
		for _, line := range lines {
			sum += line.SubtotalCents
			covered += line.CoinsInTier
		}
		total, err := TieredPriceCents(coins)
		require.NoError(t, err)
		assert.Equal(t, total, sum, "coins=%d", coins)
		assert.Equal(t, coins, covered, "coins=%d", coins)
	}
}

func TestPricingBreakdown_RangeErrorDetails(t *testing.T) {
	_, err := PricingBreakdown(5)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 5, appErr.Details["coins"])
	assert.Equal(t, MinPurchaseCoins, appErr.Details["min"])
	assert.Equal(t, MaxPurchaseCoins, appErr.Details["max"])
}
