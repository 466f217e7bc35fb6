// Package billing provides the plan registry, purchase pricing, proration
// math, and the gateway-facing subscription service.
package billing

import "coinbank/internal/types"

// PlanRegistry is the single source of truth for what each plan allows and
// costs. Plan data used to drift between duplicated literal tables at call
// sites; every component now reads this registry instead.
type PlanRegistry interface {
	// Get returns the plan for the given key and whether it exists.
	Get(key types.PlanKey) (types.Plan, bool)

	// All returns every registered plan. Order is stable (cheapest first).
	All() []types.Plan
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
// It implements PlanRegistry and is the standard implementation for production use.
type staticPlanRegistry struct {
	plans map[types.PlanKey]types.Plan
	order []types.PlanKey
}

// planDefaults defines the hardcoded plan table.
//
//	| Plan     | Allowance | Price/mo | Coin Cap      |
//	|----------|-----------|----------|---------------|
//	| Free     | 10        | $0       | 50            |
//	| Starter  | 50        | $4.99    | 200           |
//	| Pro      | 150       | $9.99    | 500           |
//	| Business | 400       | $24.99   | 0 (unlimited) |
//
// Business uses 0 to represent "unlimited" -- enforcement code must treat 0
// as no cap.
var planDefaults = map[types.PlanKey]types.Plan{
	types.PlanFree: {
		Key:               types.PlanFree,
		MonthlyAllowance:  10,
		MonthlyPriceCents: 0,
		CoinCap:           50,
	},
	types.PlanStarter: {
		Key:               types.PlanStarter,
		MonthlyAllowance:  50,
		MonthlyPriceCents: 499,
		CoinCap:           200,
	},
	types.PlanPro: {
		Key:               types.PlanPro,
		MonthlyAllowance:  150,
		MonthlyPriceCents: 999,
		CoinCap:           500,
	},
	types.PlanBusiness: {
		Key:               types.PlanBusiness,
		MonthlyAllowance:  400,
		MonthlyPriceCents: 2499,
		CoinCap:           0, // Unlimited -- enforcement treats 0 as no cap
	},
}

// planOrder lists plan keys cheapest-first for All().
var planOrder = []types.PlanKey{
	types.PlanFree,
	types.PlanStarter,
	types.PlanPro,
	types.PlanBusiness,
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// table. This is the standard production implementation; no database or
// external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanKey]types.Plan, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{plans: m, order: planOrder}
}

// Get returns the plan for the given key and whether it exists.
func (r *staticPlanRegistry) Get(key types.PlanKey) (types.Plan, bool) {
	p, ok := r.plans[key]
	return p, ok
}

// All returns every registered plan, cheapest first.
func (r *staticPlanRegistry) All() []types.Plan {
	out := make([]types.Plan, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.plans[k])
	}
	return out
}
