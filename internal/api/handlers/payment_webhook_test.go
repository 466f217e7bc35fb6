package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"coinbank/internal/types"
)

type mockVerifier struct {
	err error
}

func (m *mockVerifier) Verify(payload []byte, header, secret string) error {
	return m.err
}

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) CompletePayment(ctx context.Context, paymentRef string) error {
	args := m.Called(ctx, paymentRef)
	return args.Error(0)
}

const completedEvent = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"data": {"object": {"id": "cs_123"}}
}`

func webhookRequest(body, signature string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if signature != "" {
		r.Header.Set("Stripe-Signature", signature)
	}
	return r.WithContext(types.WithRequestID(r.Context(), "req_test"))
}

func newWebhookHandler(verifier *mockVerifier, completer *mockCompleter) *StripeWebhookHandler {
	return NewStripeWebhookHandler(verifier, completer, "whsec_test", nil)
}

func TestWebhook_MissingSignature(t *testing.T) {
	completer := new(mockCompleter)
	h := newWebhookHandler(&mockVerifier{}, completer)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(completedEvent, ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeAPIError(t, rec)
	assert.Equal(t, string(types.ErrCodeAuthSignature), resp.Error.Code)
	completer.AssertNotCalled(t, "CompletePayment", mock.Anything, mock.Anything)
}

func TestWebhook_BadSignature(t *testing.T) {
	verifier := &mockVerifier{
		err: types.NewAppError(types.ErrCodeAuthSignature, "signature mismatch", nil),
	}
	completer := new(mockCompleter)
	h := newWebhookHandler(verifier, completer)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(completedEvent, "t=1,v1=bogus"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	completer.AssertNotCalled(t, "CompletePayment", mock.Anything, mock.Anything)
}

func TestWebhook_IgnoresOtherEventTypes(t *testing.T) {
	completer := new(mockCompleter)
	h := newWebhookHandler(&mockVerifier{}, completer)

	body := `{"id":"evt_2","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`
	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, "t=1,v1=ok"))

	assert.Equal(t, http.StatusOK, rec.Code)
	var data map[string]string
	decodeData(t, rec, &data)
	assert.Equal(t, "ignored", data["status"])
	completer.AssertNotCalled(t, "CompletePayment", mock.Anything, mock.Anything)
}

func TestWebhook_MissingSessionID(t *testing.T) {
	h := newWebhookHandler(&mockVerifier{}, new(mockCompleter))

	body := `{"id":"evt_3","type":"checkout.session.completed","data":{"object":{}}}`
	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(body, "t=1,v1=ok"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_MalformedPayload(t *testing.T) {
	h := newWebhookHandler(&mockVerifier{}, new(mockCompleter))

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(`{"id":`, "t=1,v1=ok"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_CompletesPayment(t *testing.T) {
	completer := new(mockCompleter)
	completer.On("CompletePayment", mock.Anything, "cs_123").Return(nil)
	h := newWebhookHandler(&mockVerifier{}, completer)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(completedEvent, "t=1,v1=ok"))

	assert.Equal(t, http.StatusOK, rec.Code)
	var data map[string]string
	decodeData(t, rec, &data)
	assert.Equal(t, "processed", data["status"])
	completer.AssertExpectations(t)
}

func TestWebhook_UnknownReferenceAcknowledged(t *testing.T) {
	completer := new(mockCompleter)
	completer.On("CompletePayment", mock.Anything, "cs_123").
		Return(types.NewAppError(types.ErrCodeNotFoundPurchase, "no purchase for reference", nil))
	h := newWebhookHandler(&mockVerifier{}, completer)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(completedEvent, "t=1,v1=ok"))

	// 200 so the gateway stops redelivering an event that is not ours.
	assert.Equal(t, http.StatusOK, rec.Code)
	var data map[string]string
	decodeData(t, rec, &data)
	assert.Equal(t, "ignored", data["status"])
}

func TestWebhook_CompletionFailureTriggersRetry(t *testing.T) {
	completer := new(mockCompleter)
	completer.On("CompletePayment", mock.Anything, "cs_123").
		Return(types.NewAppError(types.ErrCodeInternalDB, "write failed", errors.New("timeout")))
	h := newWebhookHandler(&mockVerifier{}, completer)

	rec := httptest.NewRecorder()
	h.Handle(rec, webhookRequest(completedEvent, "t=1,v1=ok"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
