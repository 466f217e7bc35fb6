package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"coinbank/internal/types"
)

// stripeAPIBase is the production Stripe API host. Tests point BaseURL at an
// httptest server instead.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds what the gateway client needs to talk to Stripe.
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host, for tests. Empty means production.
	BaseURL string
	// DashboardURL is where checkout redirects land (no trailing slash).
	DashboardURL string
	Logger       *slog.Logger
}

// StripeGateway talks to the Stripe REST API directly through BaseClient, so
// every call inherits the circuit breaker and retry behavior. It implements
// billing.PaymentGateway.
//
// Charges are hosted Checkout Sessions in payment mode with an inline
// price_data amount; the engine computes every amount server-side and never
// registers per-plan price objects with Stripe.
type StripeGateway struct {
	base         *BaseClient
	secretKey    string
	baseURL      string
	dashboardURL string
	logger       *slog.Logger
}

// NewStripeGateway creates a gateway client with its own breaker.
func NewStripeGateway(httpClient *http.Client, cfg StripeConfig) *StripeGateway {
	return NewStripeGatewayWithBase(
		NewBaseClient(httpClient, "stripe", DefaultRetryPolicy()), cfg)
}

// NewStripeGatewayWithBase creates a gateway client around a caller-provided
// BaseClient, used by tests to control retry and sleep behavior.
func NewStripeGatewayWithBase(base *BaseClient, cfg StripeConfig) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeGateway{
		base:         base,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		dashboardURL: strings.TrimSuffix(cfg.DashboardURL, "/"),
		logger:       logger,
	}
}

// EnsureCustomer returns the Stripe customer for the user, searching by
// metadata before creating so retried signups never mint duplicates.
func (g *StripeGateway) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['user_id']:'%s'", userID))

	resp, err := g.get(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", g.wrapErr("EnsureCustomer.search", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", g.errorFromResponse(resp, "EnsureCustomer.search")
	}

	var search stripeCustomerSearch
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer search response", err)
	}
	if len(search.Data) > 0 {
		return search.Data[0].ID, nil
	}

	create := url.Values{}
	create.Set("metadata[user_id]", userID)

	resp, err = g.post(ctx, "/v1/customers", create)
	if err != nil {
		return "", g.wrapErr("EnsureCustomer.create", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", g.errorFromResponse(resp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode customer creation response", err)
	}
	g.logger.InfoContext(ctx, "stripe customer created",
		slog.String("user_id", userID),
		slog.String("customer_id", customer.ID))
	return customer.ID, nil
}

// CreateCharge opens a hosted checkout session for the amount. The metadata
// bag rides on the session and comes back on the confirmation webhook, so the
// session ID alone is enough to finish the purchase.
func (g *StripeGateway) CreateCharge(ctx context.Context, customerRef string, amountCents int64, description string, meta types.ChargeMetadata) (*types.ChargeHandle, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("mode", "payment")
	params.Set("client_reference_id", meta.UserID)
	params.Set("success_url", g.dashboardURL+"/billing/success?session_id={CHECKOUT_SESSION_ID}")
	params.Set("cancel_url", g.dashboardURL+"/billing/canceled")
	params.Set("line_items[0][price_data][currency]", "usd")
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amountCents, 10))
	params.Set("line_items[0][price_data][product_data][name]", description)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata[user_id]", meta.UserID)
	params.Set("metadata[coins]", strconv.Itoa(meta.Coins))
	params.Set("metadata[kind]", string(meta.Kind))
	if meta.PlanKey != "" {
		params.Set("metadata[plan_key]", string(meta.PlanKey))
	}

	resp, err := g.post(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, g.wrapErr("CreateCharge", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, g.errorFromResponse(resp, "CreateCharge")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode checkout session response", err)
	}
	return &types.ChargeHandle{Ref: session.ID, CheckoutURL: session.URL}, nil
}

// get performs an authenticated GET against the Stripe API.
func (g *StripeGateway) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := g.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	g.auth(req)
	return g.base.Do(req)
}

// post performs an authenticated form-encoded POST against the Stripe API.
func (g *StripeGateway) post(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	g.auth(req)
	return g.base.Do(req)
}

func (g *StripeGateway) auth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeError is the JSON error envelope Stripe returns.
type stripeError struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// errorFromResponse maps a non-200 Stripe response to an AppError. Card
// declines surface as payment_declined; everything else is an upstream
// failure.
func (g *StripeGateway) errorFromResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: stripe returned %d with unreadable body", operation, resp.StatusCode), readErr)
	}
	var se stripeError
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: stripe returned %d with non-JSON body", operation, resp.StatusCode), err)
	}

	if se.Error.Code == "card_declined" || se.Error.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, se.Error.Message), nil,
			map[string]any{
				"decline_code": se.Error.DeclineCode,
				"stripe_code":  se.Error.Code,
			})
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: stripe rate limit exceeded", operation), nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: stripe server error: %s", operation, se.Error.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("%s: stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message), nil)
	}
}

// wrapErr preserves AppErrors from BaseClient and wraps raw transport errors.
func (g *StripeGateway) wrapErr(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamGateway,
		fmt.Sprintf("%s: stripe request failed", operation), err)
}

// Stripe response shapes, only the fields the engine reads.

type stripeCustomer struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerSearch struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeVerifier checks webhook signatures using stripe-go's HMAC validation
// with its default timestamp tolerance.
type StripeVerifier struct{}

// Verify validates the payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := stripe.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(types.ErrCodeAuthSignature,
			"webhook signature verification failed", err)
	}
	return nil
}
