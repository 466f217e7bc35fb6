// Package economy implements the per-user coin balance engine: welcome
// grants, lazy monthly resets, atomic spend authorization, admin credits,
// and cap enforcement, all backed by compare-and-set updates at the storage
// layer and recorded in the append-only coin ledger.
package economy

import "coinbank/internal/types"

// actionCosts is the authoritative cost table for paid marketplace actions.
// Bids are absent on purpose: a bid costs exactly the amount the freelancer
// chooses to bid, so the caller supplies it.
var actionCosts = map[types.SpendReason]int{
	types.ReasonJobPost:          3,
	types.ReasonJobEdit:          1,
	types.ReasonJobExtend:        2,
	types.ReasonApplication:      1, // base cost; an optional bid adds its amount
	types.ReasonServicePost:      15,
	types.ReasonServiceEdit:      5,
	types.ReasonServiceExtend:    7,
	types.ReasonServiceInquiry:   1,
	types.ReasonServiceAccept:    2,
	types.ReasonSkillEndorsement: 5,
}

// CostFor returns the fixed coin cost for a spend reason. The second return
// is false for unknown reasons and for caller-priced reasons (bids).
func CostFor(reason types.SpendReason) (int, bool) {
	cost, ok := actionCosts[reason]
	return cost, ok
}

// CallerPriced reports whether the spend amount for the reason is chosen by
// the caller rather than the cost table.
func CallerPriced(reason types.SpendReason) bool {
	return reason == types.ReasonBid
}

// ValidSpendReason reports whether the reason names a known paid action.
func ValidSpendReason(reason types.SpendReason) bool {
	if CallerPriced(reason) {
		return true
	}
	_, ok := actionCosts[reason]
	return ok
}
