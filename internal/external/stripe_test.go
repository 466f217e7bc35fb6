package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinbank/internal/types"
)

// newStripeFixture starts a fake Stripe API and a gateway pointed at it.
func newStripeFixture(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(http.DefaultClient, "stripe-"+t.Name(),
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		WithSleepFunc(func(time.Duration) {}))
	return NewStripeGatewayWithBase(base, StripeConfig{
		SecretKey:    "sk_test_123",
		BaseURL:      srv.URL,
		DashboardURL: "https://app.coinbank.io",
	})
}

func TestEnsureCustomer_FindsExisting(t *testing.T) {
	var created bool
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
			assert.Contains(t, r.URL.Query().Get("query"), "user_1")
			_, _ = w.Write([]byte(`{"data":[{"id":"cus_existing"}]}`))
		case "/v1/customers":
			created = true
			_, _ = w.Write([]byte(`{"id":"cus_new"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := g.EnsureCustomer(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.False(t, created)
}

func TestEnsureCustomer_CreatesWhenMissing(t *testing.T) {
	var form url.Values
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			_, _ = w.Write([]byte(`{"data":[]}`))
		case "/v1/customers":
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			_, _ = w.Write([]byte(`{"id":"cus_new"}`))
		}
	})

	id, err := g.EnsureCustomer(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
	assert.Equal(t, "user_1", form.Get("metadata[user_id]"))
}

func TestCreateCharge_BuildsCheckoutSession(t *testing.T) {
	var form url.Values
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = w.Write([]byte(`{"id":"cs_123","url":"https://checkout.stripe.com/pay/cs_123"}`))
	})

	handle, err := g.CreateCharge(context.Background(), "cus_1", 2000, "100 coins", types.ChargeMetadata{
		UserID: "user_1",
		Coins:  100,
		Kind:   types.PurchaseOneTime,
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_123", handle.Ref)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_123", handle.CheckoutURL)

	assert.Equal(t, "cus_1", form.Get("customer"))
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "2000", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "100 coins", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "user_1", form.Get("metadata[user_id]"))
	assert.Equal(t, "100", form.Get("metadata[coins]"))
	assert.Equal(t, "one_time", form.Get("metadata[kind]"))
	assert.Empty(t, form.Get("metadata[plan_key]"))
	assert.Contains(t, form.Get("success_url"), "https://app.coinbank.io/billing/success")
	assert.Equal(t, "https://app.coinbank.io/billing/canceled", form.Get("cancel_url"))
}

func TestCreateCharge_IncludesPlanMetadata(t *testing.T) {
	var form url.Values
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = w.Write([]byte(`{"id":"cs_sub","url":"https://checkout.stripe.com/pay/cs_sub"}`))
	})

	_, err := g.CreateCharge(context.Background(), "cus_1", 499, "Starter plan", types.ChargeMetadata{
		UserID:  "user_1",
		Coins:   50,
		PlanKey: types.PlanStarter,
		Kind:    types.PurchaseSubscription,
	})
	require.NoError(t, err)
	assert.Equal(t, "starter", form.Get("metadata[plan_key]"))
	assert.Equal(t, "subscription", form.Get("metadata[kind]"))
}

func TestCreateCharge_CardDeclined(t *testing.T) {
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	})

	_, err := g.CreateCharge(context.Background(), "cus_1", 2000, "100 coins", types.ChargeMetadata{
		UserID: "user_1", Coins: 100, Kind: types.PurchaseOneTime,
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePaymentDeclined, appErr.Code)
	assert.Equal(t, "insufficient_funds", appErr.Details["decline_code"])
}

func TestCreateCharge_GatewayError(t *testing.T) {
	g := newStripeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Missing required param."}}`))
	})

	_, err := g.CreateCharge(context.Background(), "cus_1", 2000, "100 coins", types.ChargeMetadata{
		UserID: "user_1", Coins: 100, Kind: types.PurchaseOneTime,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamGateway, types.CodeOf(err))
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	v := &StripeVerifier{}
	err := v.Verify([]byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef", "whsec_test")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeAuthSignature, types.CodeOf(err))
}
