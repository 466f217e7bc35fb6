package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coinbank/internal/core"
	"coinbank/internal/types"
)

// AdminCoinService is the slice of the economy engine the admin endpoints
// use.
type AdminCoinService interface {
	CreditAdmin(ctx context.Context, userID string, amount int) (*types.Balance, error)
	SetBalance(ctx context.Context, userID string, value int) (*types.Balance, error)
	ClampToCap(ctx context.Context, userID string) (*types.Balance, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]*types.LedgerEntry, error)
	Reconcile(ctx context.Context, userID string) (stored, folded int, err error)
}

// AdminHandler serves support and operations endpoints. All routes sit
// behind the admin key middleware.
type AdminHandler struct {
	coins     AdminCoinService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(coins AdminCoinService, validator *core.Validator, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{coins: coins, validator: validator, logger: logger}
}

// RegisterRoutes mounts the admin routes under /v1/admin.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users/{id}/credit", h.Credit)
	r.Post("/users/{id}/balance", h.SetBalance)
	r.Post("/users/{id}/clamp", h.Clamp)
	r.Get("/users/{id}/ledger", h.Ledger)
	r.Get("/users/{id}/reconcile", h.Reconcile)
}

// amountRequest carries a coin amount for admin mutations.
type amountRequest struct {
	Amount int `json:"amount" validate:"required"`
}

// Credit adds coins to a user's balance, bypassing the plan cap.
func (h *AdminHandler) Credit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req amountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	bal, err := h.coins.CreditAdmin(r.Context(), userID, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin credit applied",
		slog.String("user_id", userID),
		slog.Int("amount", req.Amount))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: bal})
}

// setBalanceRequest carries an absolute balance value.
type setBalanceRequest struct {
	Coins int `json:"coins" validate:"gte=0"`
}

// SetBalance overwrites a user's balance.
func (h *AdminHandler) SetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req setBalanceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	bal, err := h.coins.SetBalance(r.Context(), userID, req.Coins)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin balance overwrite applied",
		slog.String("user_id", userID),
		slog.Int("coins", req.Coins))
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: bal})
}

// Clamp trims a user's balance down to their plan cap.
func (h *AdminHandler) Clamp(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	bal, err := h.coins.ClampToCap(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: bal})
}

// Ledger returns a user's recent coin mutations, newest first.
func (h *AdminHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.coins.ListLedger(r.Context(), userID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: entries})
}

// reconcileResponse compares the stored balance against the folded ledger.
type reconcileResponse struct {
	Stored   int  `json:"stored"`
	Folded   int  `json:"folded"`
	Balanced bool `json:"balanced"`
}

// Reconcile folds the ledger for a user and reports whether it matches the
// stored balance.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	stored, folded, err := h.coins.Reconcile(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: reconcileResponse{
		Stored:   stored,
		Folded:   folded,
		Balanced: stored == folded,
	}})
}
