package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OperationStatus string

const (
	OperationPending     OperationStatus = "pending"
	OperationCompleted   OperationStatus = "completed"
	OperationCompensated OperationStatus = "compensated"
)

// PayoutOperation is the durable outbox row for a withdrawal that leaves the
// ledger through an external payment rail.
type PayoutOperation struct {
	OperationID string          `json:"operation_id" db:"operation_id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	TenantID    int64           `json:"tenant_id" db:"tenant_id"`
	WalletID    int64           `json:"wallet_id" db:"wallet_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	TaxWithheld decimal.Decimal `json:"tax_withheld" db:"tax_withheld"`
	NetAmount   decimal.Decimal `json:"net_amount" db:"net_amount"`
	Currency    string          `json:"currency" db:"currency"`
	Status      OperationStatus `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
