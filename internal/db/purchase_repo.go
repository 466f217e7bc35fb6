package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"coinbank/internal/types"
)

// PurchaseRepo manages pending_purchases rows.
//
// external_payment_ref carries a unique index and is the idempotency key for
// payment confirmations: CompleteByPaymentRef is a conditional UPDATE guarded
// by status = 'pending', so a purchase is credited at most once no matter how
// many times the gateway redelivers the confirmation.
type PurchaseRepo struct {
	db DBTX
}

// NewPurchaseRepo creates a new PurchaseRepo backed by the given database
// connection (pool or transaction).
func NewPurchaseRepo(db DBTX) *PurchaseRepo {
	return &PurchaseRepo{db: db}
}

// Create records a checkout that has been initiated with the gateway.
func (r *PurchaseRepo) Create(ctx context.Context, p *types.PendingPurchase) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO pending_purchases
		 (id, user_id, external_payment_ref, coins_requested, amount_cents, kind, plan_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.ExternalPaymentRef, p.CoinsRequested,
		p.AmountCents, p.Kind, p.PlanKey, p.Status, p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"a purchase already exists for this payment reference", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create pending purchase", err)
	}
	return nil
}

// GetByPaymentRef returns the purchase keyed by the gateway payment reference.
func (r *PurchaseRepo) GetByPaymentRef(ctx context.Context, ref string) (*types.PendingPurchase, error) {
	var p types.PendingPurchase
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, external_payment_ref, coins_requested, amount_cents,
		        kind, plan_key, status, created_at, completed_at
		 FROM pending_purchases WHERE external_payment_ref = $1`,
		ref,
	).Scan(
		&p.ID, &p.UserID, &p.ExternalPaymentRef, &p.CoinsRequested, &p.AmountCents,
		&p.Kind, &p.PlanKey, &p.Status, &p.CreatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPurchase,
				"no purchase found for payment reference", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read pending purchase", err)
	}
	return &p, nil
}

// CompleteByPaymentRef transitions the purchase pending -> completed exactly
// once. Returns false when the purchase was already completed, which callers
// treat as a successful duplicate delivery, not an error.
func (r *PurchaseRepo) CompleteByPaymentRef(ctx context.Context, ref string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE pending_purchases
		 SET status = 'completed', completed_at = $1
		 WHERE external_payment_ref = $2 AND status = 'pending'`,
		now, ref,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to complete purchase", err)
	}
	return tag.RowsAffected() == 1, nil
}
