package types

import "time"

// Balance is the per-user coin balance. Coins are always a non-negative
// integer; LastResetAt guards the lazy monthly reset and doubles as the
// optimistic-lock column for reset races.
type Balance struct {
	UserID      string    `json:"user_id"`
	Coins       int       `json:"coins"`
	LastResetAt time.Time `json:"last_reset_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Plan is a static registry entry describing a subscription tier.
// Plans are immutable at runtime; the economy package owns the registry.
//
// CoinCap uses 0 to represent "unlimited" -- enforcement code must treat
// 0 as no cap.
type Plan struct {
	Key               PlanKey `json:"key"`
	MonthlyAllowance  int     `json:"monthly_allowance"`
	MonthlyPriceCents int64   `json:"monthly_price_cents"`
	CoinCap           int     `json:"coin_cap"`
}

// Unlimited reports whether the plan has no coin cap.
func (p Plan) Unlimited() bool {
	return p.CoinCap == 0
}

// Subscription tracks a user's paid plan and billing period.
// At most one subscription per user may be active at a time.
//
// PendingPlanKey holds a scheduled downgrade target; the maintenance sweep
// applies it once CurrentPeriodEnd passes.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	PlanKey            PlanKey            `json:"plan_key"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	PendingPlanKey     *PlanKey           `json:"pending_plan_key,omitempty"`
	ExternalCustomerRef string            `json:"external_customer_ref"`
	ExternalChargeRef   string            `json:"external_charge_ref"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// PendingPurchase is a not-yet-confirmed payment transaction. It is created
// when a checkout is initiated and transitions to completed exactly once,
// keyed by ExternalPaymentRef for idempotency.
type PendingPurchase struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	ExternalPaymentRef string         `json:"external_payment_ref"`
	CoinsRequested     int            `json:"coins_requested"`
	AmountCents        int64          `json:"amount_cents"`
	Kind               PurchaseKind   `json:"kind"`
	PlanKey            PlanKey        `json:"plan_key,omitempty"`
	Status             PurchaseStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// LedgerEntry is one append-only record of a coin mutation. The mutable
// balance remains authoritative for enforcement; the ledger is the audit
// trail that makes every invariant independently checkable.
type LedgerEntry struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Delta        int         `json:"delta"`
	Reason       SpendReason `json:"reason"`
	BalanceAfter int         `json:"balance_after"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ChargeMetadata is the opaque pass-through bag written onto a gateway charge
// at creation and read back on confirmation. The engine never trusts the
// gateway to interpret it.
type ChargeMetadata struct {
	UserID  string       `json:"user_id"`
	Coins   int          `json:"coins"`
	PlanKey PlanKey      `json:"plan_key,omitempty"`
	Kind    PurchaseKind `json:"kind"`
}

// ChargeHandle is the gateway's answer to a charge creation request:
// a reference for later lookup plus the URL the client completes payment at.
type ChargeHandle struct {
	Ref         string `json:"ref"`
	CheckoutURL string `json:"checkout_url"`
}

// PriceTierLine is one row of a pricing breakdown: how many coins fell into
// the tier and what they contributed to the total.
type PriceTierLine struct {
	RangeStart    int   `json:"range_start"`
	RangeEnd      int   `json:"range_end"`
	CoinsInTier   int   `json:"coins_in_tier"`
	RateCents     int64 `json:"rate_cents"`
	SubtotalCents int64 `json:"subtotal_cents"`
}

// BillingEvent is the fire-and-forget notification payload published after
// credit-affecting transitions. Delivery failures never abort the economic
// transaction.
type BillingEvent struct {
	EventID   string           `json:"event_id"`
	Type      BillingEventType `json:"type"`
	UserID    string           `json:"user_id"`
	Coins     int              `json:"coins,omitempty"`
	PlanKey   PlanKey          `json:"plan_key,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
