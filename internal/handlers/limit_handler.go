package handlers

import (
	"context"
	"net/http"

	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/services"
	"github.com/shopspring/decimal"
)

type LimitStore interface {
	GetLimits(ctx context.Context, userID int64) (*models.ResponsibleLimit, error)
	SetLimits(ctx context.Context, limit *models.ResponsibleLimit) error
	Usage(ctx context.Context, userID int64) (*models.LimitUsage, error)
}

type LimitHandler struct {
	limits    LimitStore
	validator *services.ValidationHelper
}

func NewLimitHandler(limits LimitStore) *LimitHandler {
	return &LimitHandler{
		limits:    limits,
		validator: services.NewValidationHelper(),
	}
}

// GetLimits returns the caller's limits together with the usage they are
// checked against.
func (h *LimitHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := identity(w, r)
	if !ok {
		return
	}

	limits, err := h.limits.GetLimits(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	usage, err := h.limits.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	services.WriteJSON(w, http.StatusOK, map[string]any{
		"limits": limits,
		"usage":  usage,
	})
}

// SetLimits replaces a user's limits. Omitted or null limits are unlimited.
func (h *LimitHandler) SetLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	var req struct {
		DailyLossLimit  *decimal.Decimal `json:"daily_loss_limit"`
		DailyBetLimit   *decimal.Decimal `json:"daily_bet_limit"`
		MonthlyBetLimit *decimal.Decimal `json:"monthly_bet_limit"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	limit := &models.ResponsibleLimit{
		UserID:          userID,
		DailyLossLimit:  req.DailyLossLimit,
		DailyBetLimit:   req.DailyBetLimit,
		MonthlyBetLimit: req.MonthlyBetLimit,
	}
	if err := h.limits.SetLimits(r.Context(), limit); err != nil {
		writeError(w, r, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, limit)
}
