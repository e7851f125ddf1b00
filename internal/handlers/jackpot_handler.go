package handlers

import (
	"context"
	"net/http"

	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/services"
	"github.com/shopspring/decimal"
)

type JackpotCatalog interface {
	ListJackpots(ctx context.Context, tenantID int64) ([]models.Jackpot, error)
	GetJackpot(ctx context.Context, tenantID, jackpotID int64) (*models.Jackpot, error)
	UpsertJackpot(ctx context.Context, jp *models.Jackpot) (*models.Jackpot, error)
}

type JackpotHandler struct {
	jackpots  JackpotCatalog
	validator *services.ValidationHelper
}

func NewJackpotHandler(jackpots JackpotCatalog) *JackpotHandler {
	return &JackpotHandler{
		jackpots:  jackpots,
		validator: services.NewValidationHelper(),
	}
}

// ListJackpots is the ticker of the caller's tenant.
func (h *JackpotHandler) ListJackpots(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	jackpots, err := h.jackpots.ListJackpots(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jackpots == nil {
		jackpots = []models.Jackpot{}
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"jackpots": jackpots})
}

func (h *JackpotHandler) GetJackpot(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(w, r)
	if !ok {
		return
	}
	jackpotID, ok := pathID(w, r, "jackpotId")
	if !ok {
		return
	}

	jp, err := h.jackpots.GetJackpot(r.Context(), tenantID, jackpotID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, jp)
}

// UpsertJackpot creates a pool for the admin's tenant, or updates the pool
// named by id.
func (h *JackpotHandler) UpsertJackpot(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	var req struct {
		ID                  int64           `json:"id" validate:"gte=0"`
		Name                string          `json:"name" validate:"required,max=100"`
		CurrentAmount       decimal.Decimal `json:"current_amount" validate:"gte=0"`
		StartAmount         decimal.Decimal `json:"start_amount" validate:"gte=0"`
		ContributionPercent decimal.Decimal `json:"contribution_percent" validate:"gte=0,lte=1"`
		WinProbability      decimal.Decimal `json:"win_probability" validate:"gte=0,lte=1"`
		IsActive            *bool           `json:"is_active"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	current := req.CurrentAmount
	if current.IsZero() {
		current = req.StartAmount
	}

	jp, err := h.jackpots.UpsertJackpot(r.Context(), &models.Jackpot{
		ID:                  req.ID,
		TenantID:            tenantID,
		Name:                req.Name,
		CurrentAmount:       current,
		StartAmount:         req.StartAmount,
		ContributionPercent: req.ContributionPercent,
		WinProbability:      req.WinProbability,
		IsActive:            active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if req.ID == 0 {
		status = http.StatusCreated
	}
	services.WriteJSON(w, status, jp)
}
