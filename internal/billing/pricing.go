package billing

import (
	"fmt"

	"coinbank/internal/types"
)

// Purchase size limits for one-time coin purchases.
const (
	MinPurchaseCoins = 10
	MaxPurchaseCoins = 1000
)

// priceTier is one row of the marginal pricing table. UpTo is the inclusive
// upper bound of the tier; the lower bound is the previous tier's UpTo + 1.
type priceTier struct {
	upTo      int
	rateCents int64
}

// priceTiers is the single authoritative tier table. Both TieredPriceCents
// and PricingBreakdown derive from it; there is deliberately no second copy
// anywhere.
//
//	| Range (coins) | Rate/coin |
//	|---------------|-----------|
//	| 1-100         | $0.20     |
//	| 101-300       | $0.15     |
//	| 301-500       | $0.10     |
//	| 501-1000      | $0.08     |
var priceTiers = []priceTier{
	{upTo: 100, rateCents: 20},
	{upTo: 300, rateCents: 15},
	{upTo: 500, rateCents: 10},
	{upTo: 1000, rateCents: 8},
}

// TieredPriceCents computes the price of a one-time coin purchase as the sum
// of marginal tier contributions, not a flat unit price. Purchases outside
// [MinPurchaseCoins, MaxPurchaseCoins] fail validation.
func TieredPriceCents(coins int) (int64, error) {
	lines, err := PricingBreakdown(coins)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, line := range lines {
		total += line.SubtotalCents
	}
	return total, nil
}

// PricingBreakdown returns the per-tier contribution of a purchase for
// display and auditing. The sum of subtotals equals TieredPriceCents for the
// same input by construction.
func PricingBreakdown(coins int) ([]types.PriceTierLine, error) {
	if coins < MinPurchaseCoins || coins > MaxPurchaseCoins {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationCoinRange,
			fmt.Sprintf("coin purchases must be between %d and %d coins", MinPurchaseCoins, MaxPurchaseCoins),
			nil,
			map[string]any{
				"coins": coins,
				"min":   MinPurchaseCoins,
				"max":   MaxPurchaseCoins,
			},
		)
	}

	lines := make([]types.PriceTierLine, 0, len(priceTiers))
	remaining := coins
	prevUpTo := 0
	for _, tier := range priceTiers {
		if remaining <= 0 {
			break
		}
		tierSize := tier.upTo - prevUpTo
		inTier := remaining
		if inTier > tierSize {
			inTier = tierSize
		}
		lines = append(lines, types.PriceTierLine{
			RangeStart:    prevUpTo + 1,
			RangeEnd:      tier.upTo,
			CoinsInTier:   inTier,
			RateCents:     tier.rateCents,
			SubtotalCents: int64(inTier) * tier.rateCents,
		})
		remaining -= inTier
		prevUpTo = tier.upTo
	}
	return lines, nil
}
