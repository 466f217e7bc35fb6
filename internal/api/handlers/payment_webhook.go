package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinbank/internal/core"
	"coinbank/internal/types"
)

// maxWebhookBodySize caps gateway webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier checks the provider's payload signature.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// PaymentCompleter finalizes a confirmed payment. Implemented by
// billing.Service.
type PaymentCompleter interface {
	CompletePayment(ctx context.Context, paymentRef string) error
}

// StripeWebhookHandler receives asynchronous payment confirmations from
// Stripe. The route is public; authenticity comes from the Stripe-Signature
// header, verified against the webhook signing secret.
type StripeWebhookHandler struct {
	verifier  WebhookVerifier
	completer PaymentCompleter
	secret    string
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates the handler.
func NewStripeWebhookHandler(verifier WebhookVerifier, completer PaymentCompleter, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		completer: completer,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint under /webhooks.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

// stripeEvent is the slice of the event envelope the engine reads: the event
// type and the checkout session ID.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// Handle verifies the signature, extracts the checkout session reference,
// and runs the idempotent payment completion.
//
// Duplicates and event types the engine does not care about return 200 so
// Stripe stops redelivering. Processing failures return 5xx so Stripe
// retries; completion is idempotent, so redelivery is safe.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read webhook body", err))
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignature,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sig, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"malformed webhook payload", err))
		return
	}

	if event.Type != "checkout.session.completed" {
		h.logger.DebugContext(r.Context(), "ignoring webhook event",
			slog.String("event_id", event.ID),
			slog.String("type", event.Type))
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ignored"}})
		return
	}

	sessionID := event.Data.Object.ID
	if sessionID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"webhook event has no session id", nil))
		return
	}

	if err := h.completer.CompletePayment(r.Context(), sessionID); err != nil {
		// A session with no purchase row belongs to another product sharing
		// the Stripe account; acknowledge so Stripe stops redelivering.
		if types.CodeOf(err) == types.ErrCodeNotFoundPurchase {
			h.logger.InfoContext(r.Context(), "webhook for unknown payment reference ignored",
				slog.String("session_id", sessionID))
			core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "ignored"}})
			return
		}
		h.logger.ErrorContext(r.Context(), "payment completion failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "processed"}})
}
