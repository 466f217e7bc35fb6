package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coinbank/internal/types"
)

// subscriptionScan fills the full subscription column list.
func subscriptionScan(sub types.Subscription) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = sub.ID
		*dest[1].(*string) = sub.UserID
		*dest[2].(*types.PlanKey) = sub.PlanKey
		*dest[3].(*types.SubscriptionStatus) = sub.Status
		*dest[4].(*time.Time) = sub.CurrentPeriodStart
		*dest[5].(*time.Time) = sub.CurrentPeriodEnd
		*dest[6].(**time.Time) = sub.CanceledAt
		*dest[7].(**types.PlanKey) = sub.PendingPlanKey
		*dest[8].(*string) = sub.ExternalCustomerRef
		*dest[9].(*string) = sub.ExternalChargeRef
		*dest[10].(*time.Time) = sub.CreatedAt
		*dest[11].(*time.Time) = sub.UpdatedAt
		return nil
	}
}

func testSubscription() types.Subscription {
	now := time.Now().UTC()
	return types.Subscription{
		ID:                  "sub_1",
		UserID:              "user_1",
		PlanKey:             types.PlanStarter,
		Status:              types.SubStatusActive,
		CurrentPeriodStart:  now.Add(-10 * 24 * time.Hour),
		CurrentPeriodEnd:    now.Add(20 * 24 * time.Hour),
		ExternalCustomerRef: "cus_abc",
		ExternalChargeRef:   "cs_abc",
		CreatedAt:           now.Add(-10 * 24 * time.Hour),
		UpdatedAt:           now,
	}
}

func TestSubscriptionRepo_GetLiveByUserID_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	want := testSubscription()
	row := &mockRow{scanFn: subscriptionScan(want)}
	dbMock.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	sub, err := repo.GetLiveByUserID(context.Background(), "user_1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, types.PlanStarter, sub.PlanKey)
	assert.Equal(t, types.SubStatusActive, sub.Status)
}

func TestSubscriptionRepo_GetLiveByUserID_None(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetLiveByUserID(context.Background(), "user_free", time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}

func TestSubscriptionRepo_Create_SecondLiveRejected(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	sub := testSubscription()
	err := repo.Create(context.Background(), &sub)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictAlreadySubscribed, types.CodeOf(err))
}

func TestSubscriptionRepo_Cancel(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	won, err := repo.Cancel(context.Background(), "user_1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	// Already canceled: the status guard makes the second call a no-op.
	won, err = repo.Cancel(context.Background(), "user_1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSubscriptionRepo_SwitchPlan_NoActiveSubscription(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.SwitchPlan(context.Background(), "sub_gone", types.PlanPro, "cs_x", time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}

func TestSubscriptionRepo_ScheduleDowngrade_Success(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.ScheduleDowngrade(context.Background(), "sub_1", types.PlanStarter, time.Now().UTC())
	require.NoError(t, err)
	dbMock.AssertExpectations(t)
}

func TestSubscriptionRepo_ApplyDowngrade_ExactlyOnce(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	now := time.Now().UTC()
	won, err := repo.ApplyDowngrade(context.Background(), "sub_1", types.PlanStarter,
		now, now.Add(30*24*time.Hour), now)
	require.NoError(t, err)
	assert.True(t, won)

	// Overlapping sweep run: pending_plan_key was cleared by the winner.
	won, err = repo.ApplyDowngrade(context.Background(), "sub_1", types.PlanStarter,
		now, now.Add(30*24*time.Hour), now)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSubscriptionRepo_ListDueDowngrades(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	pending := types.PlanStarter
	sub := testSubscription()
	sub.PendingPlanKey = &pending

	rows := newMockRows(subscriptionScan(sub))
	dbMock.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	subs, err := repo.ListDueDowngrades(context.Background(), time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].PendingPlanKey)
	assert.Equal(t, types.PlanStarter, *subs[0].PendingPlanKey)
}

func TestSubscriptionRepo_Expire_GuardedByStatus(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	won, err := repo.Expire(context.Background(), "sub_active", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSubscriptionRepo_ListExpiredCanceled_DBError(t *testing.T) {
	dbMock := new(mockDBTX)
	repo := NewSubscriptionRepo(dbMock, nil)

	dbMock.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.ListExpiredCanceled(context.Background(), time.Now().UTC(), 100)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}
