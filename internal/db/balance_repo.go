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

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// BalanceRepo manages the per-user coin balance rows.
//
// Key invariants:
//   - coins is never negative: every debit is a conditional UPDATE guarded by
//     the previously observed value (compare-and-set), so two concurrent
//     spends can never both succeed against the same balance snapshot.
//   - A monthly reset is guarded by the observed last_reset_at, so two callers
//     crossing the 30-day boundary together produce exactly one reset.
type BalanceRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewBalanceRepo creates a new BalanceRepo backed by the given database
// connection (pool or transaction).
func NewBalanceRepo(db DBTX, logger *slog.Logger) *BalanceRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceRepo{db: db, logger: logger}
}

// Create inserts a new balance row for the user, seeded with the welcome
// grant. Fails with conflict_balance_exists if the user already has one.
func (r *BalanceRepo) Create(ctx context.Context, userID string, coins int, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO balances (user_id, coins, last_reset_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $3, $3)`,
		userID, coins, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictBalanceExists,
				"balance already exists for user", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create balance", err)
	}
	return nil
}

// Get returns the balance row for the given user.
func (r *BalanceRepo) Get(ctx context.Context, userID string) (*types.Balance, error) {
	var b types.Balance
	err := r.db.QueryRow(ctx,
		`SELECT user_id, coins, last_reset_at, created_at, updated_at
		 FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&b.UserID, &b.Coins, &b.LastResetAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBalance,
				"no balance found for user", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read balance", err)
	}
	return &b, nil
}

// CompareAndSetCoins applies coins := next only if the stored value still
// equals expected. Returns false (no error) when the guard fails, signalling
// the caller to re-read and retry.
func (r *BalanceRepo) CompareAndSetCoins(ctx context.Context, userID string, expected, next int, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE balances
		 SET coins = $1, updated_at = $2
		 WHERE user_id = $3 AND coins = $4`,
		next, now, userID, expected,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update balance", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetIfUnchanged overwrites the balance with the plan allowance and advances
// last_reset_at, but only if last_reset_at still equals the value the caller
// observed. Under concurrent resets exactly one caller wins; the rest see
// false and re-read.
func (r *BalanceRepo) ResetIfUnchanged(ctx context.Context, userID string, allowance int, observedResetAt, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE balances
		 SET coins = $1, last_reset_at = $2, updated_at = $2
		 WHERE user_id = $3 AND last_reset_at = $4`,
		allowance, now, userID, observedResetAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reset balance", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStale returns user IDs whose last reset happened before the cutoff.
// The maintenance sweep uses this as a safety net behind the lazy reset;
// correctness does not depend on it running.
func (r *BalanceRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM balances WHERE last_reset_at < $1 ORDER BY last_reset_at ASC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale balances", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// ListOverCapOnPlan returns users holding a live subscription on the given
// plan whose balance exceeds the cap. A subscription counts as live while
// active, or while canceled inside its grace period.
func (r *BalanceRepo) ListOverCapOnPlan(ctx context.Context, plan types.PlanKey, cap int, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT b.user_id
		 FROM balances b
		 JOIN subscriptions s ON s.user_id = b.user_id
		 WHERE s.plan_key = $1
		   AND (s.status = 'active' OR (s.status = 'canceled' AND s.current_period_end > $2))
		   AND b.coins > $3
		 LIMIT $4`,
		plan, now, cap, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list over-cap balances", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// ListOverCapUnsubscribed returns users with no live subscription whose
// balance exceeds the free-plan cap.
func (r *BalanceRepo) ListOverCapUnsubscribed(ctx context.Context, cap int, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT b.user_id
		 FROM balances b
		 WHERE b.coins > $1
		   AND NOT EXISTS (
		     SELECT 1 FROM subscriptions s
		     WHERE s.user_id = b.user_id
		       AND (s.status = 'active' OR (s.status = 'canceled' AND s.current_period_end > $2))
		   )
		 LIMIT $3`,
		cap, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list over-cap balances", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// scanUserIDs drains a single-column user_id result set.
func scanUserIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user ids", err)
	}
	return ids, nil
}
