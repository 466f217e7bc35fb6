package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"coinbank/internal/types"
)

// subscriptionColumns is the canonical column list scanned into a
// types.Subscription. Kept in one place so every query stays in sync.
const subscriptionColumns = `id, user_id, plan_key, status, current_period_start,
	current_period_end, canceled_at, pending_plan_key, external_customer_ref,
	external_charge_ref, created_at, updated_at`

// SubscriptionRepo manages subscription rows.
//
// Key invariants:
//   - At most one live subscription per user, enforced by a partial unique
//     index on user_id where status IN ('active','canceled').
//   - State transitions use conditional UPDATEs guarded by the current status,
//     so replayed webhooks and overlapping sweeps degrade to no-ops.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// GetLiveByUserID returns the user's live subscription: active, or canceled
// but still inside its grace period. Returns not_found_subscription when the
// user has none (the NONE state).
func (r *SubscriptionRepo) GetLiveByUserID(ctx context.Context, userID string, now time.Time) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1
		   AND (status = 'active' OR (status = 'canceled' AND current_period_end > $2))
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, now,
	)
	return scanSubscription(row)
}

// Create inserts a new subscription row. The partial unique index rejects a
// second live subscription for the same user with conflict_already_subscribed.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		 (id, user_id, plan_key, status, current_period_start, current_period_end,
		  external_customer_ref, external_charge_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		sub.ID, sub.UserID, sub.PlanKey, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.ExternalCustomerRef, sub.ExternalChargeRef, sub.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictAlreadySubscribed,
				"user already has a live subscription", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// Cancel marks the user's active subscription canceled, recording canceledAt
// and leaving the period end untouched (grace period with retained access).
// Returns false when the user has no active subscription.
func (r *SubscriptionRepo) Cancel(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'canceled', canceled_at = $1, updated_at = $1
		 WHERE user_id = $2 AND status = 'active'`,
		now, userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SwitchPlan applies an immediate plan change (paid upgrade, or a zero-charge
// switch near period end), recording the charge that paid for it and clearing
// any scheduled downgrade.
func (r *SubscriptionRepo) SwitchPlan(ctx context.Context, subID string, plan types.PlanKey, chargeRef string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_key = $1, pending_plan_key = NULL, external_charge_ref = $2, updated_at = $3
		 WHERE id = $4 AND status = 'active'`,
		plan, chargeRef, now, subID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to switch plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to switch", nil)
	}
	return nil
}

// ScheduleDowngrade records the downgrade target; the maintenance sweep
// applies it once the current period ends.
func (r *SubscriptionRepo) ScheduleDowngrade(ctx context.Context, subID string, plan types.PlanKey, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET pending_plan_key = $1, updated_at = $2
		 WHERE id = $3 AND status = 'active'`,
		plan, now, subID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule downgrade", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription to downgrade", nil)
	}
	return nil
}

// ListDueDowngrades returns active subscriptions with a scheduled downgrade
// whose period has ended.
func (r *SubscriptionRepo) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = 'active' AND pending_plan_key IS NOT NULL AND current_period_end <= $1
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due downgrades", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ApplyDowngrade switches the plan to the scheduled target and starts a fresh
// billing period. The WHERE clause re-checks the pending plan so overlapping
// sweep runs apply the downgrade exactly once. Returns whether this call won.
func (r *SubscriptionRepo) ApplyDowngrade(ctx context.Context, subID string, plan types.PlanKey, periodStart, periodEnd, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_key = $1, pending_plan_key = NULL,
		     current_period_start = $2, current_period_end = $3, updated_at = $4
		 WHERE id = $5 AND status = 'active' AND pending_plan_key = $1`,
		plan, periodStart, periodEnd, now, subID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply downgrade", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiredCanceled returns canceled subscriptions whose grace period has
// lapsed and are ready to transition to expired.
func (r *SubscriptionRepo) ListExpiredCanceled(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = 'canceled' AND current_period_end <= $1
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired cancellations", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// Expire transitions a lapsed canceled subscription to expired, returning the
// user to the NONE state. Guarded by status and period end so redelivery and
// overlapping sweeps are no-ops.
func (r *SubscriptionRepo) Expire(ctx context.Context, subID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = $1
		 WHERE id = $2 AND status = 'canceled' AND current_period_end <= $1`,
		now, subID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to expire subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanSubscription reads one subscription row, mapping pgx.ErrNoRows to
// not_found_subscription.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.PlanKey, &s.Status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CanceledAt, &s.PendingPlanKey,
		&s.ExternalCustomerRef, &s.ExternalChargeRef,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
				"no live subscription for user", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
	}
	return &s, nil
}

// scanSubscriptions drains a multi-row subscription result set.
func scanSubscriptions(rows pgx.Rows) ([]*types.Subscription, error) {
	var subs []*types.Subscription
	for rows.Next() {
		var s types.Subscription
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.PlanKey, &s.Status,
			&s.CurrentPeriodStart, &s.CurrentPeriodEnd,
			&s.CanceledAt, &s.PendingPlanKey,
			&s.ExternalCustomerRef, &s.ExternalChargeRef,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return subs, nil
}
