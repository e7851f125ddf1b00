package handlers

import (
	"context"
	"net/http"

	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/services"
	"github.com/shopspring/decimal"
)

// Settler is the part of the settlement engine the HTTP surface drives.
type Settler interface {
	PlaceWager(ctx context.Context, req services.WagerRequest) (*models.Allocation, error)
	CreditPayout(ctx context.Context, req services.PayoutRequest) (decimal.Decimal, error)
	CancelWager(ctx context.Context, userID, tenantID, betID int64) (*models.Bet, error)
}

type SettlementHandler struct {
	engine    Settler
	validator *services.ValidationHelper
}

func NewSettlementHandler(engine Settler) *SettlementHandler {
	return &SettlementHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// PlaceWager debits a wager and answers with its allocation. A replayed
// idempotency key answers 200 with the original allocation.
func (h *SettlementHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
		IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	alloc, err := h.engine.PlaceWager(r.Context(), services.WagerRequest{
		UserID:         userID,
		TenantID:       tenantID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if alloc.Replayed {
		status = http.StatusOK
	}
	services.WriteJSON(w, status, alloc)
}

// SettleBet credits the RTP-scaled payout of a player's bet. Only game
// servers reach it: the bet owner comes from the body and the tenant from the
// caller's token.
func (h *SettlementHandler) SettleBet(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(w, r)
	if !ok {
		return
	}
	betID, ok := pathID(w, r, "betId")
	if !ok {
		return
	}

	var req struct {
		UserID      int64           `json:"user_id" validate:"required,gt=0"`
		GrossAmount decimal.Decimal `json:"gross_amount" validate:"gte=0"`
		RTPPercent  decimal.Decimal `json:"rtp_percent" validate:"gt=0,lte=100"`
		Outcome     string          `json:"outcome" validate:"omitempty,oneof=won lost"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	net, err := h.engine.CreditPayout(r.Context(), services.PayoutRequest{
		UserID:      req.UserID,
		TenantID:    tenantID,
		GrossAmount: req.GrossAmount,
		RTPPercent:  req.RTPPercent,
		BetID:       &betID,
		Outcome:     models.BetStatus(req.Outcome),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	services.WriteJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"bet_id":     betID,
		"net_payout": net.StringFixed(2),
	})
}

// CancelBet voids a placed bet for a round the game server abandoned.
func (h *SettlementHandler) CancelBet(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(w, r)
	if !ok {
		return
	}
	betID, ok := pathID(w, r, "betId")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id" validate:"required,gt=0"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	bet, err := h.engine.CancelWager(r.Context(), req.UserID, tenantID, betID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, bet)
}
