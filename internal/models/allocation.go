package models

import "github.com/shopspring/decimal"

// Allocation is the breakdown of one placed wager across fund kinds.
// CashDeducted + BonusDeducted + PointsCashEquivalent equals the wager total.
type Allocation struct {
	BetID                int64           `json:"bet_id"`
	CashWalletID         int64           `json:"cash_wallet_id"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	CashDeducted         decimal.Decimal `json:"cash_deducted"`
	BonusDeducted        decimal.Decimal `json:"bonus_deducted"`
	PointsDeducted       decimal.Decimal `json:"points_deducted"` // point units
	PointsCashEquivalent decimal.Decimal `json:"points_cash_equivalent"`
	PointsEarned         decimal.Decimal `json:"points_earned"`
	Jackpot              JackpotOutcome  `json:"jackpot"`
	Replayed             bool            `json:"replayed,omitempty"`
}
