package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Jackpot struct {
	ID                  int64           `json:"id" db:"id"`
	TenantID            int64           `json:"tenant_id" db:"tenant_id"`
	Name                string          `json:"name" db:"name"`
	CurrentAmount       decimal.Decimal `json:"current_amount" db:"current_amount"`
	StartAmount         decimal.Decimal `json:"start_amount" db:"start_amount"` // reset floor
	// ContributionPercent is a fraction of the cash portion: 0.01 adds 1%.
	ContributionPercent decimal.Decimal `json:"contribution_percent" db:"contribution_percent"`
	WinProbability      decimal.Decimal `json:"win_probability" db:"win_probability"`
	IsActive            bool            `json:"is_active" db:"is_active"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

type JackpotWin struct {
	ID        int64           `json:"id" db:"id"`
	JackpotID int64           `json:"jackpot_id" db:"jackpot_id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	AmountWon decimal.Decimal `json:"amount_won" db:"amount_won"`
	WonAt     time.Time       `json:"won_at" db:"won_at"`
}

// JackpotOutcome is the result of one jackpot roll. The zero value means no win.
type JackpotOutcome struct {
	Won       bool            `json:"won"`
	JackpotID int64           `json:"jackpot_id,omitempty"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
}
