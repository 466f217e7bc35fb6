package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coinbank/internal/types"
)

// periodLength is the fixed billing period for every paid plan. Billing
// months are 30 days, not calendar months, matching the reset interval on
// balances.
const periodLength = 30 * 24 * time.Hour

// PaymentGateway abstracts the external payment provider. Implemented by
// external.StripeGateway.
type PaymentGateway interface {
	// EnsureCustomer returns the gateway customer reference for the user,
	// creating one on first contact.
	EnsureCustomer(ctx context.Context, userID string) (string, error)

	// CreateCharge opens a hosted checkout for the given amount, attaching the
	// metadata bag for round-tripping through the confirmation webhook.
	CreateCharge(ctx context.Context, customerRef string, amountCents int64, description string, meta types.ChargeMetadata) (*types.ChargeHandle, error)
}

// PurchaseStore persists pending purchases. Implemented by db.PurchaseRepo.
type PurchaseStore interface {
	Create(ctx context.Context, p *types.PendingPurchase) error
	GetByPaymentRef(ctx context.Context, ref string) (*types.PendingPurchase, error)
	CompleteByPaymentRef(ctx context.Context, ref string, now time.Time) (bool, error)
}

// SubscriptionStore persists subscription state. Implemented by
// db.SubscriptionRepo.
type SubscriptionStore interface {
	GetLiveByUserID(ctx context.Context, userID string, now time.Time) (*types.Subscription, error)
	Create(ctx context.Context, sub *types.Subscription) error
	Cancel(ctx context.Context, userID string, now time.Time) (bool, error)
	SwitchPlan(ctx context.Context, subID string, plan types.PlanKey, chargeRef string, now time.Time) error
	ScheduleDowngrade(ctx context.Context, subID string, plan types.PlanKey, now time.Time) error
}

// CoinCrediter applies confirmed credits to balances. Implemented by
// economy.Service.
type CoinCrediter interface {
	CreditPurchase(ctx context.Context, userID string, coins int, reason types.SpendReason) (*types.Balance, error)
	ClampToCap(ctx context.Context, userID string) (*types.Balance, error)
}

// EventPublisher delivers fire-and-forget billing notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event types.BillingEvent) error
}

// MetricsRecorder emits operational counters.
type MetricsRecorder interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string)
}

// CheckoutResult is the response to a checkout initiation: where the client
// completes payment, plus what it is buying.
type CheckoutResult struct {
	PaymentRef  string                `json:"payment_ref"`
	CheckoutURL string                `json:"checkout_url"`
	AmountCents int64                 `json:"amount_cents"`
	Coins       int                   `json:"coins,omitempty"`
	PlanKey     types.PlanKey         `json:"plan_key,omitempty"`
	Breakdown   []types.PriceTierLine `json:"breakdown,omitempty"`
}

// ChangePlanResult describes the outcome of a plan change request. Upgrades
// either require checkout (CheckoutURL set) or apply immediately; downgrades
// always defer to the end of the current period.
type ChangePlanResult struct {
	Applied     bool          `json:"applied"`
	EffectiveAt time.Time     `json:"effective_at"`
	PlanKey     types.PlanKey `json:"plan_key"`
	PaymentRef  string        `json:"payment_ref,omitempty"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
	AmountCents int64         `json:"amount_cents"`
}

// Service is the gateway-facing billing engine: checkout initiation for coin
// purchases and subscriptions, plan changes, cancellation, and idempotent
// payment completion.
//
// The engine never trusts client-supplied prices: every charge amount is
// recomputed server-side from the plan table or the pricing tiers. Money is
// collected before state changes: a subscription row exists only after the
// gateway confirms payment.
type Service struct {
	plans     PlanRegistry
	gateway   PaymentGateway
	purchases PurchaseStore
	subs      SubscriptionStore
	coins     CoinCrediter
	events    EventPublisher
	metrics   MetricsRecorder
	logger    *slog.Logger
	nowFn     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNowFunc overrides the clock, used by tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) { s.nowFn = fn }
}

// NewService creates the billing engine. events and metrics may be nil.
func NewService(
	plans PlanRegistry,
	gateway PaymentGateway,
	purchases PurchaseStore,
	subs SubscriptionStore,
	coins CoinCrediter,
	events EventPublisher,
	metrics MetricsRecorder,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		plans:     plans,
		gateway:   gateway,
		purchases: purchases,
		subs:      subs,
		coins:     coins,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PurchaseCoins initiates checkout for a one-time coin purchase. The price is
// computed from the tier table; coins are credited only after the gateway
// confirms payment via CompletePayment.
func (s *Service) PurchaseCoins(ctx context.Context, userID string, coins int) (*CheckoutResult, error) {
	breakdown, err := PricingBreakdown(coins)
	if err != nil {
		return nil, err
	}
	var amount int64
	for _, line := range breakdown {
		amount += line.SubtotalCents
	}

	customerRef, err := s.gateway.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	handle, err := s.gateway.CreateCharge(ctx, customerRef, amount,
		fmt.Sprintf("%d coins", coins),
		types.ChargeMetadata{
			UserID: userID,
			Coins:  coins,
			Kind:   types.PurchaseOneTime,
		})
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	if err := s.purchases.Create(ctx, &types.PendingPurchase{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExternalPaymentRef: handle.Ref,
		CoinsRequested:     coins,
		AmountCents:        amount,
		Kind:               types.PurchaseOneTime,
		Status:             types.PurchasePending,
		CreatedAt:          now,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "coin purchase checkout created",
		slog.String("user_id", userID),
		slog.Int("coins", coins),
		slog.Int64("amount_cents", amount),
		slog.String("payment_ref", handle.Ref))

	return &CheckoutResult{
		PaymentRef:  handle.Ref,
		CheckoutURL: handle.CheckoutURL,
		AmountCents: amount,
		Coins:       coins,
		Breakdown:   breakdown,
	}, nil
}

// CreateSubscription initiates checkout for a new paid subscription. The
// subscription row is created only on payment confirmation; until then the
// user stays on the free plan.
func (s *Service) CreateSubscription(ctx context.Context, userID string, planKey types.PlanKey) (*CheckoutResult, error) {
	plan, ok := s.plans.Get(planKey)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
			"unknown plan", nil).WithDetails(map[string]any{"plan": string(planKey)})
	}
	if plan.MonthlyPriceCents == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"the free plan cannot be subscribed to", nil)
	}

	now := s.nowFn().UTC()
	if _, err := s.subs.GetLiveByUserID(ctx, userID, now); err == nil {
		return nil, types.NewAppError(types.ErrCodeConflictAlreadySubscribed,
			"user already has a live subscription", nil)
	} else if types.CodeOf(err) != types.ErrCodeNotFoundSubscription {
		return nil, err
	}

	customerRef, err := s.gateway.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	handle, err := s.gateway.CreateCharge(ctx, customerRef, plan.MonthlyPriceCents,
		fmt.Sprintf("%s plan, first month", plan.Key),
		types.ChargeMetadata{
			UserID:  userID,
			Coins:   plan.MonthlyAllowance,
			PlanKey: plan.Key,
			Kind:    types.PurchaseSubscription,
		})
	if err != nil {
		return nil, err
	}

	if err := s.purchases.Create(ctx, &types.PendingPurchase{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExternalPaymentRef: handle.Ref,
		CoinsRequested:     plan.MonthlyAllowance,
		AmountCents:        plan.MonthlyPriceCents,
		Kind:               types.PurchaseSubscription,
		PlanKey:            plan.Key,
		Status:             types.PurchasePending,
		CreatedAt:          now,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription checkout created",
		slog.String("user_id", userID),
		slog.String("plan", string(plan.Key)),
		slog.String("payment_ref", handle.Ref))

	return &CheckoutResult{
		PaymentRef:  handle.Ref,
		CheckoutURL: handle.CheckoutURL,
		AmountCents: plan.MonthlyPriceCents,
		PlanKey:     plan.Key,
	}, nil
}

// ChangePlan moves an active subscription to a different paid plan.
//
// Upgrades charge the day-prorated price difference for the remainder of the
// current period and take effect on payment confirmation; a zero proration
// near period end applies immediately without a charge. Downgrades never
// charge and take effect when the current period ends.
func (s *Service) ChangePlan(ctx context.Context, userID string, planKey types.PlanKey) (*ChangePlanResult, error) {
	newPlan, ok := s.plans.Get(planKey)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
			"unknown plan", nil).WithDetails(map[string]any{"plan": string(planKey)})
	}

	now := s.nowFn().UTC()
	sub, err := s.subs.GetLiveByUserID(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if sub.Status != types.SubStatusActive {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"subscription is canceled; resubscribe after it expires", nil)
	}
	if sub.PlanKey == newPlan.Key {
		return nil, types.NewAppError(types.ErrCodeConflictPlanUnchanged,
			"subscription is already on this plan", nil)
	}
	oldPlan, ok := s.plans.Get(sub.PlanKey)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
			"current plan is no longer registered", nil)
	}

	// Downgrade, including to free: schedule for period end, never charge.
	if newPlan.MonthlyPriceCents < oldPlan.MonthlyPriceCents {
		if err := s.subs.ScheduleDowngrade(ctx, sub.ID, newPlan.Key, now); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "downgrade scheduled",
			slog.String("user_id", userID),
			slog.String("from", string(sub.PlanKey)),
			slog.String("to", string(newPlan.Key)),
			slog.Time("effective_at", sub.CurrentPeriodEnd))
		return &ChangePlanResult{
			Applied:     false,
			EffectiveAt: sub.CurrentPeriodEnd,
			PlanKey:     newPlan.Key,
		}, nil
	}

	pro := ProrateUpgrade(oldPlan.MonthlyPriceCents, newPlan.MonthlyPriceCents,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)

	// Free upgrade at the tail of the period: switch now, credit the new
	// allowance, no checkout round-trip.
	if pro.ProratedCents == 0 {
		if err := s.subs.SwitchPlan(ctx, sub.ID, newPlan.Key, sub.ExternalChargeRef, now); err != nil {
			return nil, err
		}
		if _, err := s.coins.CreditPurchase(ctx, userID, newPlan.MonthlyAllowance, types.CreditSubscription); err != nil {
			s.logger.ErrorContext(ctx, "failed to credit allowance after free upgrade",
				slog.String("user_id", userID), slog.Any("error", err))
		}
		s.publishEvent(ctx, types.BillingEvent{
			Type:    types.EventSubscriptionUpgrade,
			UserID:  userID,
			PlanKey: newPlan.Key,
			Coins:   newPlan.MonthlyAllowance,
		})
		return &ChangePlanResult{
			Applied:     true,
			EffectiveAt: now,
			PlanKey:     newPlan.Key,
		}, nil
	}

	customerRef, err := s.gateway.EnsureCustomer(ctx, userID)
	if err != nil {
		return nil, err
	}
	handle, err := s.gateway.CreateCharge(ctx, customerRef, pro.ProratedCents,
		fmt.Sprintf("upgrade to %s, %d of %d days", newPlan.Key, pro.DaysRemaining, pro.DaysTotal),
		types.ChargeMetadata{
			UserID:  userID,
			Coins:   newPlan.MonthlyAllowance,
			PlanKey: newPlan.Key,
			Kind:    types.PurchaseSubscriptionUpgrade,
		})
	if err != nil {
		return nil, err
	}

	if err := s.purchases.Create(ctx, &types.PendingPurchase{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExternalPaymentRef: handle.Ref,
		CoinsRequested:     newPlan.MonthlyAllowance,
		AmountCents:        pro.ProratedCents,
		Kind:               types.PurchaseSubscriptionUpgrade,
		PlanKey:            newPlan.Key,
		Status:             types.PurchasePending,
		CreatedAt:          now,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "upgrade checkout created",
		slog.String("user_id", userID),
		slog.String("from", string(sub.PlanKey)),
		slog.String("to", string(newPlan.Key)),
		slog.Int64("prorated_cents", pro.ProratedCents),
		slog.String("payment_ref", handle.Ref))

	return &ChangePlanResult{
		Applied:     false,
		EffectiveAt: now,
		PlanKey:     newPlan.Key,
		PaymentRef:  handle.Ref,
		CheckoutURL: handle.CheckoutURL,
		AmountCents: pro.ProratedCents,
	}, nil
}

// CancelSubscription marks the user's active subscription canceled. Plan
// benefits persist until the current period ends; the maintenance sweep
// expires the subscription afterwards.
func (s *Service) CancelSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	now := s.nowFn().UTC()
	ok, err := s.subs.Cancel(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to cancel", nil)
	}

	sub, err := s.subs.GetLiveByUserID(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, types.BillingEvent{
		Type:    types.EventSubscriptionEnded,
		UserID:  userID,
		PlanKey: sub.PlanKey,
	})
	s.logger.InfoContext(ctx, "subscription canceled",
		slog.String("user_id", userID),
		slog.String("plan", string(sub.PlanKey)),
		slog.Time("access_until", sub.CurrentPeriodEnd))
	return sub, nil
}

// GetSubscription returns the user's live subscription.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	return s.subs.GetLiveByUserID(ctx, userID, s.nowFn().UTC())
}

// CompletePayment finalizes a confirmed gateway payment. It is idempotent on
// the payment reference: the pending -> completed transition is a guarded
// UPDATE, and a redelivered confirmation that loses the guard is swallowed as
// success.
//
// The transition is committed before any crediting. A crash between the two
// can lose a credit (recoverable from the purchase row and the ledger) but
// can never credit twice.
func (s *Service) CompletePayment(ctx context.Context, paymentRef string) error {
	purchase, err := s.purchases.GetByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}

	now := s.nowFn().UTC()
	won, err := s.purchases.CompleteByPaymentRef(ctx, paymentRef, now)
	if err != nil {
		return err
	}
	if !won {
		s.count(ctx, types.MetricPaymentDuplicate, map[string]string{types.DimKind: string(purchase.Kind)})
		s.logger.InfoContext(ctx, "duplicate payment confirmation ignored",
			slog.String("payment_ref", paymentRef),
			slog.String("kind", string(purchase.Kind)))
		return nil
	}

	switch purchase.Kind {
	case types.PurchaseOneTime:
		err = s.settleOneTime(ctx, purchase)
	case types.PurchaseSubscription:
		err = s.settleSubscription(ctx, purchase, now)
	case types.PurchaseSubscriptionUpgrade:
		err = s.settleUpgrade(ctx, purchase, now)
	default:
		err = types.NewAppError(types.ErrCodeInternalUnexpected,
			"unknown purchase kind", nil).WithDetails(map[string]any{"kind": string(purchase.Kind)})
	}
	if err != nil {
		return err
	}

	s.count(ctx, types.MetricPaymentCompleted, map[string]string{types.DimKind: string(purchase.Kind)})
	s.logger.InfoContext(ctx, "payment completed",
		slog.String("payment_ref", paymentRef),
		slog.String("user_id", purchase.UserID),
		slog.String("kind", string(purchase.Kind)),
		slog.Int64("amount_cents", purchase.AmountCents))
	return nil
}

// settleOneTime credits the purchased coins, clamped to the plan cap.
func (s *Service) settleOneTime(ctx context.Context, purchase *types.PendingPurchase) error {
	if _, err := s.coins.CreditPurchase(ctx, purchase.UserID, purchase.CoinsRequested, types.CreditPurchase); err != nil {
		return err
	}
	s.publishEvent(ctx, types.BillingEvent{
		Type:   types.EventPurchaseCompleted,
		UserID: purchase.UserID,
		Coins:  purchase.CoinsRequested,
	})
	return nil
}

// settleSubscription creates the subscription row and credits the first
// month's allowance.
func (s *Service) settleSubscription(ctx context.Context, purchase *types.PendingPurchase, now time.Time) error {
	customerRef, err := s.gateway.EnsureCustomer(ctx, purchase.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "could not resolve customer ref at settlement",
			slog.String("user_id", purchase.UserID), slog.Any("error", err))
	}
	err = s.subs.Create(ctx, &types.Subscription{
		ID:                  uuid.NewString(),
		UserID:              purchase.UserID,
		PlanKey:             purchase.PlanKey,
		Status:              types.SubStatusActive,
		CurrentPeriodStart:  now,
		CurrentPeriodEnd:    now.Add(periodLength),
		ExternalCustomerRef: customerRef,
		ExternalChargeRef:   purchase.ExternalPaymentRef,
		CreatedAt:           now,
	})
	if err != nil {
		// A live subscription appearing between checkout and confirmation is
		// a paid-for but unusable charge; surface it for support follow-up.
		return err
	}
	if _, err := s.coins.CreditPurchase(ctx, purchase.UserID, purchase.CoinsRequested, types.CreditSubscription); err != nil {
		return err
	}
	s.publishEvent(ctx, types.BillingEvent{
		Type:    types.EventSubscriptionStarted,
		UserID:  purchase.UserID,
		PlanKey: purchase.PlanKey,
		Coins:   purchase.CoinsRequested,
	})
	return nil
}

// settleUpgrade switches the active subscription to the paid-for plan and
// credits the new plan's full allowance.
func (s *Service) settleUpgrade(ctx context.Context, purchase *types.PendingPurchase, now time.Time) error {
	sub, err := s.subs.GetLiveByUserID(ctx, purchase.UserID, now)
	if err != nil {
		return err
	}
	if err := s.subs.SwitchPlan(ctx, sub.ID, purchase.PlanKey, purchase.ExternalPaymentRef, now); err != nil {
		return err
	}
	if _, err := s.coins.CreditPurchase(ctx, purchase.UserID, purchase.CoinsRequested, types.CreditSubscription); err != nil {
		return err
	}
	s.publishEvent(ctx, types.BillingEvent{
		Type:    types.EventSubscriptionUpgrade,
		UserID:  purchase.UserID,
		PlanKey: purchase.PlanKey,
		Coins:   purchase.CoinsRequested,
	})
	return nil
}

// publishEvent sends a billing notification, fire and forget.
func (s *Service) publishEvent(ctx context.Context, event types.BillingEvent) {
	if s.events == nil {
		return
	}
	event.EventID = uuid.NewString()
	event.Timestamp = s.nowFn().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish billing event",
			slog.String("type", string(event.Type)),
			slog.String("user_id", event.UserID),
			slog.Any("error", err))
	}
}

// count emits a metric when a recorder is wired.
func (s *Service) count(ctx context.Context, name string, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(ctx, name, 1, dims)
}
