// Package handlers contains the HTTP handlers for the coinbank API. Each
// handler declares the narrow service interface it needs and registers its
// routes through a core.RouteRegistrar.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coinbank/internal/billing"
	"coinbank/internal/core"
	"coinbank/internal/types"
)

// CoinService is the slice of the economy engine the coin endpoints use.
type CoinService interface {
	CreateBalance(ctx context.Context, userID string) (*types.Balance, error)
	GetBalance(ctx context.Context, userID string) (*types.Balance, error)
	Spend(ctx context.Context, userID string, reason types.SpendReason, amount int) (*types.Balance, error)
}

// CoinPurchaser initiates one-time coin purchase checkouts.
type CoinPurchaser interface {
	PurchaseCoins(ctx context.Context, userID string, coins int) (*billing.CheckoutResult, error)
}

// EconomyHandler serves the balance and coin purchase endpoints.
type EconomyHandler struct {
	coins     CoinService
	purchaser CoinPurchaser
	validator *core.Validator
	logger    *slog.Logger
}

// NewEconomyHandler creates the handler.
func NewEconomyHandler(coins CoinService, purchaser CoinPurchaser, validator *core.Validator, logger *slog.Logger) *EconomyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EconomyHandler{coins: coins, purchaser: purchaser, validator: validator, logger: logger}
}

// RegisterRoutes mounts the balance and coin routes. Mounted inside the
// user-identity group.
func (h *EconomyHandler) RegisterRoutes(r chi.Router) {
	r.Post("/balance", h.CreateBalance)
	r.Get("/balance", h.GetBalance)
	r.Post("/coins/spend", h.Spend)
	r.Get("/coins/pricing", h.Pricing)
	r.Post("/coins/checkout", h.Checkout)
}

// CreateBalance provisions the balance for a freshly signed-up user, seeded
// with the welcome grant.
func (h *EconomyHandler) CreateBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())
	bal, err := h.coins.CreateBalance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: bal})
}

// GetBalance returns the caller's balance after applying any due reset.
func (h *EconomyHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())
	bal, err := h.coins.GetBalance(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: bal})
}

// spendRequest is the body for POST /coins/spend.
type spendRequest struct {
	Reason string `json:"reason" validate:"required"`
	Amount int    `json:"amount" validate:"required,gt=0"`
}

// spendResponse returns the authorized debit and the remaining balance.
type spendResponse struct {
	Spent   int            `json:"spent"`
	Balance *types.Balance `json:"balance"`
}

// Spend authorizes and applies a debit for a paid marketplace action.
func (h *EconomyHandler) Spend(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())

	var req spendRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	bal, err := h.coins.Spend(r.Context(), userID, types.SpendReason(req.Reason), req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: spendResponse{
		Spent:   req.Amount,
		Balance: bal,
	}})
}

// pricingResponse is the body for GET /coins/pricing.
type pricingResponse struct {
	Coins      int                   `json:"coins"`
	TotalCents int64                 `json:"total_cents"`
	Breakdown  []types.PriceTierLine `json:"breakdown"`
}

// Pricing quotes a one-time purchase without initiating checkout.
func (h *EconomyHandler) Pricing(w http.ResponseWriter, r *http.Request) {
	coins, err := strconv.Atoi(r.URL.Query().Get("coins"))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationCoinRange,
			"coins query parameter must be an integer", err))
		return
	}

	breakdown, err := billing.PricingBreakdown(coins)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var total int64
	for _, line := range breakdown {
		total += line.SubtotalCents
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: pricingResponse{
		Coins:      coins,
		TotalCents: total,
		Breakdown:  breakdown,
	}})
}

// checkoutRequest is the body for POST /coins/checkout.
type checkoutRequest struct {
	Coins int `json:"coins" validate:"required,gt=0"`
}

// Checkout starts a one-time coin purchase and returns the hosted payment
// URL. Coins are credited only after the payment webhook confirms.
func (h *EconomyHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, _ := types.GetUserID(r.Context())

	var req checkoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.purchaser.PurchaseCoins(r.Context(), userID, req.Coins)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: result})
}
