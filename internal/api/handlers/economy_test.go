package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coinbank/internal/billing"
	"coinbank/internal/core"
	"coinbank/internal/types"
)

type mockCoinService struct {
	mock.Mock
}

func (m *mockCoinService) CreateBalance(ctx context.Context, userID string) (*types.Balance, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Balance), args.Error(1)
}

func (m *mockCoinService) GetBalance(ctx context.Context, userID string) (*types.Balance, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Balance), args.Error(1)
}

func (m *mockCoinService) Spend(ctx context.Context, userID string, reason types.SpendReason, amount int) (*types.Balance, error) {
	args := m.Called(ctx, userID, reason, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Balance), args.Error(1)
}

type mockCoinPurchaser struct {
	mock.Mock
}

func (m *mockCoinPurchaser) PurchaseCoins(ctx context.Context, userID string, coins int) (*billing.CheckoutResult, error) {
	args := m.Called(ctx, userID, coins)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutResult), args.Error(1)
}

// authedRequest builds a request carrying the authenticated user identity,
// matching what the identity middleware injects.
func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := types.WithUserID(r.Context(), "user_1")
	ctx = types.WithRequestID(ctx, "req_test")
	return r.WithContext(ctx)
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) core.APIErrorResponse {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func newEconomyHandler(coins *mockCoinService, purchaser *mockCoinPurchaser) *EconomyHandler {
	return NewEconomyHandler(coins, purchaser, core.NewValidator(nil), nil)
}

func TestEconomyHandler_CreateBalance(t *testing.T) {
	coins := new(mockCoinService)
	coins.On("CreateBalance", mock.Anything, "user_1").
		Return(&types.Balance{UserID: "user_1", Coins: 20}, nil)
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.CreateBalance(rec, authedRequest(http.MethodPost, "/v1/balance", ""))

	assert.Equal(t, http.StatusCreated, rec.Code)
	var bal types.Balance
	decodeData(t, rec, &bal)
	assert.Equal(t, 20, bal.Coins)
	coins.AssertExpectations(t)
}

func TestEconomyHandler_CreateBalance_Conflict(t *testing.T) {
	coins := new(mockCoinService)
	coins.On("CreateBalance", mock.Anything, "user_1").
		Return(nil, types.NewAppError(types.ErrCodeConflictBalanceExists, "balance already exists", nil))
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.CreateBalance(rec, authedRequest(http.MethodPost, "/v1/balance", ""))

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeConflictBalanceExists), resp.Error.Code)
}

func TestEconomyHandler_GetBalance(t *testing.T) {
	coins := new(mockCoinService)
	coins.On("GetBalance", mock.Anything, "user_1").
		Return(&types.Balance{UserID: "user_1", Coins: 17}, nil)
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.GetBalance(rec, authedRequest(http.MethodGet, "/v1/balance", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	var bal types.Balance
	decodeData(t, rec, &bal)
	assert.Equal(t, 17, bal.Coins)
}

func TestEconomyHandler_Spend(t *testing.T) {
	coins := new(mockCoinService)
	coins.On("Spend", mock.Anything, "user_1", types.ReasonJobPost, 3).
		Return(&types.Balance{UserID: "user_1", Coins: 17}, nil)
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.Spend(rec, authedRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"job_post","amount":3}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp spendResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 3, resp.Spent)
	assert.Equal(t, 17, resp.Balance.Coins)
	coins.AssertExpectations(t)
}

func TestEconomyHandler_Spend_MalformedBody(t *testing.T) {
	coins := new(mockCoinService)
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.Spend(rec, authedRequest(http.MethodPost, "/v1/coins/spend", `{"reason":`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	coins.AssertNotCalled(t, "Spend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEconomyHandler_Spend_MissingFields(t *testing.T) {
	h := newEconomyHandler(new(mockCoinService), nil)

	rec := httptest.NewRecorder()
	h.Spend(rec, authedRequest(http.MethodPost, "/v1/coins/spend", `{}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), resp.Error.Code)
}

func TestEconomyHandler_Spend_InsufficientCoins(t *testing.T) {
	coins := new(mockCoinService)
	coins.On("Spend", mock.Anything, "user_1", types.ReasonServicePost, 15).
		Return(nil, types.NewInsufficientCoinsError(15, 4))
	h := newEconomyHandler(coins, nil)

	rec := httptest.NewRecorder()
	h.Spend(rec, authedRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"service_post","amount":15}`))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeInsufficientCoins), resp.Error.Code)
	assert.Equal(t, float64(15), resp.Error.Details["needed"])
	assert.Equal(t, float64(4), resp.Error.Details["available"])
}

func TestEconomyHandler_Pricing(t *testing.T) {
	h := newEconomyHandler(new(mockCoinService), nil)

	rec := httptest.NewRecorder()
	h.Pricing(rec, authedRequest(http.MethodGet, "/v1/coins/pricing?coins=100", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp pricingResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 100, resp.Coins)
	assert.Equal(t, int64(2000), resp.TotalCents)
	require.Len(t, resp.Breakdown, 1)
	assert.Equal(t, int64(20), resp.Breakdown[0].RateCents)
}

func TestEconomyHandler_Pricing_NonInteger(t *testing.T) {
	h := newEconomyHandler(new(mockCoinService), nil)

	rec := httptest.NewRecorder()
	h.Pricing(rec, authedRequest(http.MethodGet, "/v1/coins/pricing?coins=lots", ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeValidationCoinRange), resp.Error.Code)
}

func TestEconomyHandler_Pricing_OutOfRange(t *testing.T) {
	h := newEconomyHandler(new(mockCoinService), nil)

	rec := httptest.NewRecorder()
	h.Pricing(rec, authedRequest(http.MethodGet, "/v1/coins/pricing?coins=5", ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeValidationCoinRange), resp.Error.Code)
}

func TestEconomyHandler_Checkout(t *testing.T) {
	purchaser := new(mockCoinPurchaser)
	purchaser.On("PurchaseCoins", mock.Anything, "user_1", 100).
		Return(&billing.CheckoutResult{
			PaymentRef:  "cs_123",
			CheckoutURL: "https://checkout.stripe.com/pay/cs_123",
			AmountCents: 2000,
			Coins:       100,
		}, nil)
	h := newEconomyHandler(new(mockCoinService), purchaser)

	rec := httptest.NewRecorder()
	h.Checkout(rec, authedRequest(http.MethodPost, "/v1/coins/checkout", `{"coins":100}`))

	assert.Equal(t, http.StatusCreated, rec.Code)
	var result billing.CheckoutResult
	decodeData(t, rec, &result)
	assert.Equal(t, "cs_123", result.PaymentRef)
	assert.Equal(t, int64(2000), result.AmountCents)
	purchaser.AssertExpectations(t)
}

func TestEconomyHandler_Checkout_MissingCoins(t *testing.T) {
	purchaser := new(mockCoinPurchaser)
	h := newEconomyHandler(new(mockCoinService), purchaser)

	rec := httptest.NewRecorder()
	h.Checkout(rec, authedRequest(http.MethodPost, "/v1/coins/checkout", `{}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	purchaser.AssertNotCalled(t, "PurchaseCoins", mock.Anything, mock.Anything, mock.Anything)
}
