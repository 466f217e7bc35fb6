package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coinbank/internal/types"
)

func TestPurchaseRepo_Create_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewPurchaseRepo(dbMock)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), &types.PendingPurchase{
		ID:                 "pur_1",
		UserID:             "user_1",
		ExternalPaymentRef: "cs_test_123",
		CoinsRequested:     100,
		AmountCents:        2000,
		Kind:               types.PurchaseOneTime,
		Status:             types.PurchasePending,
		CreatedAt:          time.Now().UTC(),
	})
	require.NoError(t, err)
	dbMock.AssertExpectations(t)
}

func TestPurchaseRepo_Create_DuplicatePaymentRef(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewPurchaseRepo(dbMock)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &types.PendingPurchase{
		ID:                 "pur_2",
		ExternalPaymentRef: "cs_test_123",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
}

func TestPurchaseRepo_GetByPaymentRef_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewPurchaseRepo(dbMock)

	created := time.Now().UTC().Add(-time.Hour)
	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = "pur_1"
			*dest[1].(*string) = "user_1"
			*dest[2].(*string) = "cs_test_123"
			*dest[3].(*int) = 100
			*dest[4].(*int64) = 2000
			*dest[5].(*types.PurchaseKind) = types.PurchaseOneTime
			*dest[6].(*types.PlanKey) = ""
			*dest[7].(*types.PurchaseStatus) = types.PurchasePending
			*dest[8].(*time.Time) = created
			*dest[9].(**time.Time) = nil
			return nil
		},
	}
	dbMock.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	p, err := repo.GetByPaymentRef(context.Background(), "cs_test_123")
	require.NoError(t, err)
	assert.Equal(t, "pur_1", p.ID)
	assert.Equal(t, 100, p.CoinsRequested)
	assert.Equal(t, int64(2000), p.AmountCents)
	assert.Equal(t, types.PurchasePending, p.Status)
	assert.Nil(t, p.CompletedAt)
}

func TestPurchaseRepo_GetByPaymentRef_NotFound(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewPurchaseRepo(dbMock)

	dbMock.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByPaymentRef(context.Background(), "cs_unknown")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundPurchase, types.CodeOf(err))
}

func TestPurchaseRepo_CompleteByPaymentRef_Idempotent(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewPurchaseRepo(dbMock)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	won, err := repo.CompleteByPaymentRef(context.Background(), "cs_test_123", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	// Redelivered confirmation: the status guard makes it a no-op.
	won, err = repo.CompleteByPaymentRef(context.Background(), "cs_test_123", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)
}
