package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BetStatus string

const (
	BetPlaced    BetStatus = "placed"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCancelled BetStatus = "cancelled"
)

// Settled reports whether the bet has left the placed state.
func (s BetStatus) Settled() bool {
	return s != BetPlaced
}

// Bet is the wager record written at wager time and mutated at settlement.
// The allocation columns let a cancelled bet be refunded exactly and let an
// idempotent replay of PlaceWager return the original breakdown.
type Bet struct {
	ID             int64           `json:"id" db:"id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	TenantID       int64           `json:"tenant_id" db:"tenant_id"`
	WalletID       int64           `json:"wallet_id" db:"wallet_id"`
	BetAmount      decimal.Decimal `json:"bet_amount" db:"bet_amount"`
	PayoutAmount   decimal.Decimal `json:"payout_amount" db:"payout_amount"`
	Status         BetStatus       `json:"status" db:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CashDeducted   decimal.Decimal `json:"cash_deducted" db:"cash_deducted"`
	BonusDeducted  decimal.Decimal `json:"bonus_deducted" db:"bonus_deducted"`
	PointsDeducted decimal.Decimal `json:"points_deducted" db:"points_deducted"`
	PointsCashEq   decimal.Decimal `json:"points_cash_equivalent" db:"points_cash_eq"`
	PointsEarned   decimal.Decimal `json:"points_earned" db:"points_earned"`
	JackpotID      *int64          `json:"jackpot_id,omitempty" db:"jackpot_id"`
	JackpotAmount  decimal.Decimal `json:"jackpot_amount" db:"jackpot_amount"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}
