package db

import (
	"context"

	"coinbank/internal/types"
)

// LedgerRepo appends to the coin_ledger audit trail. The table is append-only:
// there are no update or delete paths. The mutable balance remains the
// enforcement source of truth; folding the ledger must reproduce it, which is
// what the reconciliation check in the maintenance sweep verifies.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a new LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Append records one coin mutation.
func (r *LedgerRepo) Append(ctx context.Context, e *types.LedgerEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO coin_ledger (id, user_id, delta, reason, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.Delta, e.Reason, e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger entry", err)
	}
	return nil
}

// SumDeltas folds the ledger for a user. Matches the stored balance unless a
// mutation bypassed the ledger; the maintenance reconciliation uses the
// mismatch as an alert signal.
func (r *LedgerRepo) SumDeltas(ctx context.Context, userID string) (int, error) {
	var sum int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM coin_ledger WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to fold ledger", err)
	}
	return sum, nil
}

// ListByUser returns the most recent ledger entries for a user, newest first.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, delta, reason, balance_after, created_at
		 FROM coin_ledger WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list ledger entries", err)
	}
	defer rows.Close()

	var entries []*types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger row", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger rows", err)
	}
	return entries, nil
}
