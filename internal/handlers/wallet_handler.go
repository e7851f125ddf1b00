package handlers

import (
	"context"
	"net/http"

	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/services"
	"github.com/shopspring/decimal"
)

type WalletLedger interface {
	ListWallets(ctx context.Context, userID, tenantID int64) ([]models.Wallet, error)
	CreateWalletsForUser(ctx context.Context, userID, tenantID int64) error
	Credit(ctx context.Context, walletID int64, amount decimal.Decimal) (*models.Wallet, error)
	Debit(ctx context.Context, walletID int64, amount decimal.Decimal) (*models.Wallet, error)
}

type Withdrawer interface {
	Withdraw(ctx context.Context, req services.WithdrawalRequest) (*models.PayoutOperation, error)
}

type WalletHandler struct {
	wallets     WalletLedger
	withdrawals Withdrawer
	validator   *services.ValidationHelper
}

func NewWalletHandler(wallets WalletLedger, withdrawals Withdrawer) *WalletHandler {
	return &WalletHandler{
		wallets:     wallets,
		withdrawals: withdrawals,
		validator:   services.NewValidationHelper(),
	}
}

// ListWallets returns the caller's cash, bonus and points balances.
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	wallets, err := h.wallets.ListWallets(r.Context(), userID, tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wallets == nil {
		wallets = []models.Wallet{}
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"wallets": wallets})
}

// ProvisionWallets creates the caller's wallets for the token's tenant.
func (h *WalletHandler) ProvisionWallets(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	if err := h.wallets.CreateWalletsForUser(r.Context(), userID, tenantID); err != nil {
		writeError(w, r, err)
		return
	}
	h.ListWallets(w, r)
}

type adjustmentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

// CreditWallet is the admin entry point for deposits confirmed by the rail.
func (h *WalletHandler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.wallets.Credit)
}

// DebitWallet removes funds from a wallet. Cash debits honour the owner's
// responsible-gaming limits.
func (h *WalletHandler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.wallets.Debit)
}

func (h *WalletHandler) adjust(w http.ResponseWriter, r *http.Request,
	apply func(context.Context, int64, decimal.Decimal) (*models.Wallet, error)) {
	walletID, ok := pathID(w, r, "walletId")
	if !ok {
		return
	}

	var req adjustmentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	wallet, err := apply(r.Context(), walletID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, wallet)
}

// Withdraw pays cash out through the payment rail. A payout whose outcome
// the rail has not confirmed yet answers 202 with the pending operation.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
		OperationID string          `json:"operation_id" validate:"omitempty,max=64"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	if req.OperationID == "" {
		req.OperationID = r.Header.Get("Idempotency-Key")
	}

	op, err := h.withdrawals.Withdraw(r.Context(), services.WithdrawalRequest{
		UserID:      userID,
		TenantID:    tenantID,
		Amount:      req.Amount,
		OperationID: req.OperationID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if op.Status == models.OperationPending {
		status = http.StatusAccepted
	}
	services.WriteJSON(w, status, op)
}
