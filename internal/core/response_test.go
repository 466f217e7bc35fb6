package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbank/internal/types"
)

func newTestRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return r.WithContext(types.WithRequestID(r.Context(), "req_test"))
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) APIErrorResponse {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestJSON_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodGet, "/v1/balance", "")

	JSON(rec, r, http.StatusOK, APIResponse{Data: map[string]any{"coins": 20}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(20), resp.Data["coins"])
}

func TestJSON_MarshalFailureDegradesTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodGet, "/v1/balance", "")

	// Channels cannot be marshalled.
	JSON(rec, r, http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeErrorBody(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
	assert.Equal(t, "req_test", resp.Error.RequestID)
}

func TestError_AppErrorDrivesStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", "")

	Error(rec, r, types.NewInsufficientCoinsError(3, 1))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decodeErrorBody(t, rec)
	assert.Equal(t, string(types.ErrCodeInsufficientCoins), resp.Error.Code)
	assert.Equal(t, float64(3), resp.Error.Details["needed"])
	assert.Equal(t, float64(1), resp.Error.Details["available"])
	assert.Equal(t, "req_test", resp.Error.RequestID)
}

func TestError_WrappedAppErrorStillRecognized(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodGet, "/v1/balance", "")

	inner := types.NewAppError(types.ErrCodeNotFoundBalance, "no balance row", nil)
	Error(rec, r, errors.Join(errors.New("wrapper"), inner))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeErrorBody(t, rec)
	assert.Equal(t, string(types.ErrCodeNotFoundBalance), resp.Error.Code)
}

func TestError_OpaqueErrorBecomes500(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodGet, "/v1/balance", "")

	Error(rec, r, errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeErrorBody(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
	// Internal error text never reaches the client.
	assert.NotContains(t, resp.Error.Message, "connection reset")
}

type spendBody struct {
	Reason string `json:"reason"`
	Amount int    `json:"amount"`
}

func TestDecodeJSON_Success(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"job_post","amount":3}`)

	var dst spendBody
	require.NoError(t, DecodeJSON(rec, r, &dst))
	assert.Equal(t, "job_post", dst.Reason)
	assert.Equal(t, 3, dst.Amount)
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", "")

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Equal(t, "request body must not be empty", appErr.Message)
}

func TestDecodeJSON_MalformedJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", `{"reason":`)

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Equal(t, "malformed JSON in request body", appErr.Message)
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"bid","surprise":true}`)

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Contains(t, appErr.Message, "unknown field")
	assert.Contains(t, appErr.Message, "surprise")
}

func TestDecodeJSON_WrongFieldType(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"bid","amount":"five"}`)

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Equal(t, "amount", appErr.Details["field"])
	assert.Equal(t, "int", appErr.Details["expected"])
}

func TestDecodeJSON_TrailingData(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", `{"reason":"bid"}{"reason":"bid"}`)

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "request body must contain a single JSON object", appErr.Message)
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	big := `{"reason":"` + strings.Repeat("x", maxRequestBodySize+1) + `"}`
	r := newTestRequest(http.MethodPost, "/v1/coins/spend", big)

	var dst spendBody
	err := DecodeJSON(rec, r, &dst)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "request body must not exceed 1MB", appErr.Message)
}
