package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinbank/internal/billing"
	"coinbank/internal/core"
	"coinbank/internal/types"
)

// SubscriptionManager is the slice of the billing engine the subscription
// endpoints use.
type SubscriptionManager interface {
	CreateSubscription(ctx context.Context, userID string, plan types.PlanKey) (*billing.CheckoutResult, error)
	ChangePlan(ctx context.Context, userID string, plan types.PlanKey) (*billing.ChangePlanResult, error)
	CancelSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	GetSubscription(ctx context.Context, userID string) (*types.Subscription, error)
}

// SubscriptionHandler serves the subscription lifecycle endpoints.
type SubscriptionHandler struct {
	subs      SubscriptionManager
	plans     billing.PlanRegistry
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates the handler.
func NewSubscriptionHandler(subs SubscriptionManager, plans billing.PlanRegistry, validator *core.Validator, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{subs: subs, plans: plans, validator: validator, logger: logger}
}

// RegisterRoutes mounts the subscription routes inside the user-identity
// group.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
	r.Post("/subscriptions", h.Create)
	r.Get("/subscriptions", h.Get)
	r.Post("/subscriptions/change", h.Change)
	r.Delete("/subscriptions", h.Cancel)
}

// ListPlans returns the plan table for display.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.plans.All()})
}

// planRequest is the body for subscription creation and plan changes.
type planRequest struct {
	Plan string `json:"plan" validate:"required"`
}

// Create starts subscription checkout for a paid plan.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())

	var req planRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.subs.CreateSubscription(r.Context(), userID, types.PlanKey(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: result})
}

// Get returns the caller's live subscription.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())
	sub, err := h.subs.GetSubscription(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Change requests an upgrade or downgrade of the active subscription.
func (h *SubscriptionHandler) Change(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())

	var req planRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.subs.ChangePlan(r.Context(), userID, types.PlanKey(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Cancel marks the caller's subscription canceled; benefits persist until the
// period ends.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())
	sub, err := h.subs.CancelSubscription(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}
