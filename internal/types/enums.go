package types

// PlanKey identifies a subscription plan in the coin economy.
type PlanKey string

const (
	PlanFree     PlanKey = "free"
	PlanStarter  PlanKey = "starter"
	PlanPro      PlanKey = "pro"
	PlanBusiness PlanKey = "business"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
//
// The implied state machine is NONE -> ACTIVE -> CANCELED -> EXPIRED, where
// NONE means no row exists. CANCELED retains plan access until the current
// period ends; the maintenance sweep transitions it to EXPIRED afterwards.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusExpired  SubscriptionStatus = "expired"
)

// PurchaseKind distinguishes what a pending purchase pays for.
type PurchaseKind string

const (
	PurchaseOneTime             PurchaseKind = "one_time"
	PurchaseSubscription        PurchaseKind = "subscription"
	PurchaseSubscriptionUpgrade PurchaseKind = "subscription_upgrade"
)

// PurchaseStatus tracks whether a pending purchase has been credited.
// A purchase transitions pending -> completed exactly once.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
)

// SpendReason identifies the paid marketplace action a debit pays for.
// The authoritative coin cost for each reason lives in the economy package.
type SpendReason string

const (
	ReasonJobPost          SpendReason = "job_post"
	ReasonJobEdit          SpendReason = "job_edit"
	ReasonJobExtend        SpendReason = "job_extend"
	ReasonApplication      SpendReason = "application"
	ReasonBid              SpendReason = "bid"
	ReasonServicePost      SpendReason = "service_post"
	ReasonServiceEdit      SpendReason = "service_edit"
	ReasonServiceExtend    SpendReason = "service_extend"
	ReasonServiceInquiry   SpendReason = "service_inquiry"
	ReasonServiceAccept    SpendReason = "service_accept"
	ReasonSkillEndorsement SpendReason = "skill_endorsement"
)

// Credit reasons share the SpendReason space so the ledger records every
// mutation under one column. They appear only in ledger entries, never in
// spend requests.
const (
	CreditWelcomeGrant SpendReason = "welcome_grant"
	CreditMonthlyReset SpendReason = "monthly_reset"
	CreditAdminGrant   SpendReason = "admin_grant"
	CreditAdminSet     SpendReason = "admin_set"
	CreditPurchase     SpendReason = "coin_purchase"
	CreditSubscription SpendReason = "subscription_credit"
	CreditCapClamp     SpendReason = "cap_clamp"
)

// BillingEventType identifies the kind of billing notification event
// published to the notification queue after credit-affecting transitions.
type BillingEventType string

const (
	EventWelcomeGrant        BillingEventType = "welcome_grant"
	EventPurchaseCompleted   BillingEventType = "purchase_completed"
	EventSubscriptionStarted BillingEventType = "subscription_started"
	EventSubscriptionUpgrade BillingEventType = "subscription_upgraded"
	EventSubscriptionEnded   BillingEventType = "subscription_ended"
)
