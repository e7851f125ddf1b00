package models

import "github.com/shopspring/decimal"

// ResponsibleLimit is a player's responsible-gaming configuration. A nil
// limit is unlimited.
type ResponsibleLimit struct {
	UserID          int64            `json:"user_id" db:"user_id"`
	DailyLossLimit  *decimal.Decimal `json:"daily_loss_limit" db:"daily_loss_limit"`
	DailyBetLimit   *decimal.Decimal `json:"daily_bet_limit" db:"daily_bet_limit"`
	MonthlyBetLimit *decimal.Decimal `json:"monthly_bet_limit" db:"monthly_bet_limit"`
}

// Empty reports whether no limit is configured.
func (l *ResponsibleLimit) Empty() bool {
	return l == nil || (l.DailyLossLimit == nil && l.DailyBetLimit == nil && l.MonthlyBetLimit == nil)
}

// LimitUsage is derived from bet history on demand, never stored.
type LimitUsage struct {
	DailyBet   decimal.Decimal `json:"current_daily_bet"`
	DailyLoss  decimal.Decimal `json:"current_daily_loss"`
	MonthlyBet decimal.Decimal `json:"current_monthly_bet"`
}
