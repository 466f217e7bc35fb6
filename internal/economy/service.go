package economy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coinbank/internal/config"
	"coinbank/internal/types"
)

// BalanceStore defines the balance persistence operations needed by the
// Service. Implemented by db.BalanceRepo.
type BalanceStore interface {
	// Create inserts a balance row seeded with the welcome grant.
	Create(ctx context.Context, userID string, coins int, now time.Time) error

	// Get returns the balance row for the user.
	Get(ctx context.Context, userID string) (*types.Balance, error)

	// CompareAndSetCoins applies coins := next only if the stored value still
	// equals expected. Returns false on a lost race.
	CompareAndSetCoins(ctx context.Context, userID string, expected, next int, now time.Time) (bool, error)

	// ResetIfUnchanged overwrites coins with the allowance and advances
	// last_reset_at, guarded by the observed last_reset_at.
	ResetIfUnchanged(ctx context.Context, userID string, allowance int, observedResetAt, now time.Time) (bool, error)
}

// LedgerStore appends to the coin audit trail. Implemented by db.LedgerRepo.
type LedgerStore interface {
	Append(ctx context.Context, e *types.LedgerEntry) error
	SumDeltas(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.LedgerEntry, error)
}

// PlanSource resolves plan definitions. Implemented by billing.PlanRegistry.
type PlanSource interface {
	Get(key types.PlanKey) (types.Plan, bool)
}

// SubscriptionReader resolves the user's live subscription, if any.
// Implemented by db.SubscriptionRepo.
type SubscriptionReader interface {
	GetLiveByUserID(ctx context.Context, userID string, now time.Time) (*types.Subscription, error)
}

// EventPublisher delivers fire-and-forget billing notifications. Implemented
// by queue.BillingEventPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, event types.BillingEvent) error
}

// MetricsRecorder emits operational counters. Implemented by
// telemetry.CloudWatchEmitter.
type MetricsRecorder interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string)
}

// Service is the coin balance engine. Every mutation is a compare-and-set
// against the stored value, retried a bounded number of times; there are no
// in-process locks because multiple instances share the database.
type Service struct {
	balances BalanceStore
	ledger   LedgerStore
	plans    PlanSource
	subs     SubscriptionReader
	events   EventPublisher
	metrics  MetricsRecorder
	cfg      config.EconomyConfig
	logger   *slog.Logger
	nowFn    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNowFunc overrides the clock, used by tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) { s.nowFn = fn }
}

// NewService creates the coin balance engine. events and metrics may be nil,
// in which case notifications and counters are skipped.
func NewService(
	balances BalanceStore,
	ledger LedgerStore,
	plans PlanSource,
	subs SubscriptionReader,
	events EventPublisher,
	metrics MetricsRecorder,
	cfg config.EconomyConfig,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		balances: balances,
		ledger:   ledger,
		plans:    plans,
		subs:     subs,
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBalance provisions a balance for a new user, seeded with the welcome
// grant, and records the grant in the ledger.
func (s *Service) CreateBalance(ctx context.Context, userID string) (*types.Balance, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidUserID, "user id is required", nil)
	}
	now := s.nowFn().UTC()
	grant := s.cfg.WelcomeGrant

	if err := s.balances.Create(ctx, userID, grant, now); err != nil {
		return nil, err
	}
	s.appendLedger(ctx, userID, grant, types.CreditWelcomeGrant, grant, now)
	s.publishEvent(ctx, types.BillingEvent{
		Type:   types.EventWelcomeGrant,
		UserID: userID,
		Coins:  grant,
	})

	s.logger.InfoContext(ctx, "balance created",
		slog.String("user_id", userID),
		slog.Int("welcome_grant", grant))

	return s.balances.Get(ctx, userID)
}

// GetBalance returns the user's balance after applying any due monthly reset.
func (s *Service) GetBalance(ctx context.Context, userID string) (*types.Balance, error) {
	return s.EnsureFresh(ctx, userID)
}

// EnsureFresh reads the balance and lazily applies the monthly reset when the
// reset interval has elapsed. The reset overwrites the balance with the plan
// allowance; unspent coins do not roll over. Concurrent callers race on
// last_reset_at and exactly one wins; losers re-read and see the fresh value.
func (s *Service) EnsureFresh(ctx context.Context, userID string) (*types.Balance, error) {
	for attempt := 0; attempt <= s.cfg.SpendMaxRetries; attempt++ {
		bal, err := s.balances.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		now := s.nowFn().UTC()
		if now.Sub(bal.LastResetAt) < s.cfg.ResetInterval {
			return bal, nil
		}

		plan, err := s.currentPlan(ctx, userID, now)
		if err != nil {
			return nil, err
		}
		ok, err := s.balances.ResetIfUnchanged(ctx, userID, plan.MonthlyAllowance, bal.LastResetAt, now)
		if err != nil {
			return nil, err
		}
		if ok {
			s.appendLedger(ctx, userID, plan.MonthlyAllowance-bal.Coins, types.CreditMonthlyReset, plan.MonthlyAllowance, now)
			s.count(ctx, types.MetricResetApplied, map[string]string{types.DimPlan: string(plan.Key)})
			s.logger.InfoContext(ctx, "monthly reset applied",
				slog.String("user_id", userID),
				slog.String("plan", string(plan.Key)),
				slog.Int("allowance", plan.MonthlyAllowance))
			return s.balances.Get(ctx, userID)
		}
		// Lost the race; another caller reset or mutated. Re-read.
	}
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		"balance is being modified concurrently, retry the request", nil)
}

// Spend atomically debits the user's balance for a paid action. The reason
// must name a known action; for caller-priced reasons (bids) amount is the
// caller's chosen stake, for everything else it must match the cost table.
// Returns the balance after the debit.
func (s *Service) Spend(ctx context.Context, userID string, reason types.SpendReason, amount int) (*types.Balance, error) {
	if !ValidSpendReason(reason) {
		return nil, types.NewAppError(types.ErrCodeValidationSpendReason,
			"unknown spend reason", nil).WithDetails(map[string]any{"reason": string(reason)})
	}
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationSpendAmount,
			"spend amount must be a positive integer", nil)
	}
	if cost, fixed := CostFor(reason); fixed && amount != cost {
		return nil, types.NewAppError(types.ErrCodeValidationSpendAmount,
			"spend amount does not match the action cost", nil).
			WithDetails(map[string]any{"expected": cost, "got": amount})
	}

	for attempt := 0; attempt <= s.cfg.SpendMaxRetries; attempt++ {
		bal, err := s.EnsureFresh(ctx, userID)
		if err != nil {
			return nil, err
		}
		if bal.Coins < amount {
			s.count(ctx, types.MetricSpendDenied, map[string]string{types.DimReason: string(reason)})
			return nil, types.NewInsufficientCoinsError(amount, bal.Coins)
		}

		now := s.nowFn().UTC()
		next := bal.Coins - amount
		ok, err := s.balances.CompareAndSetCoins(ctx, userID, bal.Coins, next, now)
		if err != nil {
			return nil, err
		}
		if ok {
			s.appendLedger(ctx, userID, -amount, reason, next, now)
			s.count(ctx, types.MetricSpendGranted, map[string]string{types.DimReason: string(reason)})
			s.logger.InfoContext(ctx, "spend granted",
				slog.String("user_id", userID),
				slog.String("reason", string(reason)),
				slog.Int("amount", amount),
				slog.Int("remaining", next))
			bal.Coins = next
			bal.UpdatedAt = now
			return bal, nil
		}
	}

	s.count(ctx, types.MetricSpendRetryExhausted, map[string]string{types.DimReason: string(reason)})
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		"balance is being modified concurrently, retry the request", nil)
}

// CreditAdmin adds coins to a balance outside the normal purchase flow.
// Admin credits ignore the plan cap; the cap sweep reconciles later.
func (s *Service) CreditAdmin(ctx context.Context, userID string, amount int) (*types.Balance, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationSpendAmount,
			"credit amount must be a positive integer", nil)
	}
	return s.casAdjust(ctx, userID, types.CreditAdminGrant, func(current int) int {
		return current + amount
	})
}

// SetBalance overwrites the balance with an exact value.
func (s *Service) SetBalance(ctx context.Context, userID string, value int) (*types.Balance, error) {
	if value < 0 {
		return nil, types.NewAppError(types.ErrCodeValidationSpendAmount,
			"balance value must be non-negative", nil)
	}
	return s.casAdjust(ctx, userID, types.CreditAdminSet, func(int) int {
		return value
	})
}

// CreditPurchase applies purchased coins, clamped so the result never exceeds
// the user's current plan cap. Clamping at credit time means a purchase can
// silently waste coins; the checkout flow warns the user beforehand.
func (s *Service) CreditPurchase(ctx context.Context, userID string, coins int, reason types.SpendReason) (*types.Balance, error) {
	if coins <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationSpendAmount,
			"credit amount must be a positive integer", nil)
	}
	now := s.nowFn().UTC()
	plan, err := s.currentPlan(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return s.casAdjust(ctx, userID, reason, func(current int) int {
		next := current + coins
		if !plan.Unlimited() && next > plan.CoinCap {
			next = plan.CoinCap
		}
		return next
	})
}

// ClampToCap trims a balance down to the user's plan cap. No-op when the plan
// is unlimited or the balance is already within the cap. Used by the
// maintenance sweep after downgrades and expirations.
func (s *Service) ClampToCap(ctx context.Context, userID string) (*types.Balance, error) {
	now := s.nowFn().UTC()
	plan, err := s.currentPlan(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if plan.Unlimited() {
		return s.balances.Get(ctx, userID)
	}

	for attempt := 0; attempt <= s.cfg.SpendMaxRetries; attempt++ {
		bal, err := s.balances.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if bal.Coins <= plan.CoinCap {
			return bal, nil
		}
		ts := s.nowFn().UTC()
		ok, err := s.balances.CompareAndSetCoins(ctx, userID, bal.Coins, plan.CoinCap, ts)
		if err != nil {
			return nil, err
		}
		if ok {
			s.appendLedger(ctx, userID, plan.CoinCap-bal.Coins, types.CreditCapClamp, plan.CoinCap, ts)
			s.count(ctx, types.MetricCapClampApplied, map[string]string{types.DimPlan: string(plan.Key)})
			s.logger.InfoContext(ctx, "balance clamped to plan cap",
				slog.String("user_id", userID),
				slog.String("plan", string(plan.Key)),
				slog.Int("from", bal.Coins),
				slog.Int("to", plan.CoinCap))
			bal.Coins = plan.CoinCap
			bal.UpdatedAt = ts
			return bal, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		"balance is being modified concurrently, retry the request", nil)
}

// CurrentPlan resolves the plan governing the user right now: the live
// subscription's plan, or free when there is none.
func (s *Service) CurrentPlan(ctx context.Context, userID string) (types.Plan, error) {
	return s.currentPlan(ctx, userID, s.nowFn().UTC())
}

// ListLedger returns the user's most recent ledger entries, newest first.
func (s *Service) ListLedger(ctx context.Context, userID string, limit int) ([]*types.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.ledger.ListByUser(ctx, userID, limit)
}

// Reconcile folds the ledger for the user and returns the folded sum alongside
// the stored balance. A mismatch means a mutation bypassed the ledger.
func (s *Service) Reconcile(ctx context.Context, userID string) (stored, folded int, err error) {
	bal, err := s.balances.Get(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	folded, err = s.ledger.SumDeltas(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return bal.Coins, folded, nil
}

// casAdjust runs the shared compare-and-set retry loop: read, compute the next
// value, attempt the guarded write, re-read on a lost race.
func (s *Service) casAdjust(ctx context.Context, userID string, reason types.SpendReason, next func(current int) int) (*types.Balance, error) {
	for attempt := 0; attempt <= s.cfg.SpendMaxRetries; attempt++ {
		bal, err := s.balances.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		target := next(bal.Coins)
		if target == bal.Coins {
			return bal, nil
		}
		now := s.nowFn().UTC()
		ok, err := s.balances.CompareAndSetCoins(ctx, userID, bal.Coins, target, now)
		if err != nil {
			return nil, err
		}
		if ok {
			s.appendLedger(ctx, userID, target-bal.Coins, reason, target, now)
			bal.Coins = target
			bal.UpdatedAt = now
			return bal, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		"balance is being modified concurrently, retry the request", nil)
}

// currentPlan is the internal plan resolver. The free fallback applies only
// to the genuine no-subscription state and to an unknown key left behind by a
// removed plan. Transient lookup failures propagate: resets, clamps, and
// credit caps all derive destructive writes from the resolved plan, so acting
// on a guessed plan would corrupt balances.
func (s *Service) currentPlan(ctx context.Context, userID string, now time.Time) (types.Plan, error) {
	sub, err := s.subs.GetLiveByUserID(ctx, userID, now)
	if err != nil {
		if types.CodeOf(err) != types.ErrCodeNotFoundSubscription {
			return types.Plan{}, err
		}
		plan, _ := s.plans.Get(types.PlanFree)
		return plan, nil
	}
	if plan, ok := s.plans.Get(sub.PlanKey); ok {
		return plan, nil
	}
	s.logger.WarnContext(ctx, "subscription references unknown plan, falling back to free",
		slog.String("user_id", userID),
		slog.String("plan", string(sub.PlanKey)))
	plan, _ := s.plans.Get(types.PlanFree)
	return plan, nil
}

// appendLedger records a mutation in the audit trail. Append failures are
// logged, not returned: the balance write already committed and the ledger is
// advisory.
func (s *Service) appendLedger(ctx context.Context, userID string, delta int, reason types.SpendReason, after int, now time.Time) {
	entry := &types.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: after,
		CreatedAt:    now,
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append ledger entry",
			slog.String("user_id", userID),
			slog.String("reason", string(reason)),
			slog.Int("delta", delta),
			slog.Any("error", err))
	}
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
