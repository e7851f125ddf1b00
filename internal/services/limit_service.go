package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betledger/settlement/internal/database"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LimitEnforcer checks wagers against a player's responsible-gaming limits.
// Usage is derived from the bets table on every check; cancelled bets do not
// count. Windows are UTC calendar days and months.
type LimitEnforcer struct {
	db  *sql.DB
	log *logrus.Entry
	now func() time.Time
}

func NewLimitEnforcer(db *sql.DB) *LimitEnforcer {
	return &LimitEnforcer{
		db:  db,
		log: logrus.WithField("component", "limit_enforcer"),
		now: time.Now,
	}
}

// CheckWager rejects amount if it would breach the daily or monthly wager
// limit, or if today's net loss has already reached the daily loss limit.
// It must run on the same transaction that will write the wager.
func (l *LimitEnforcer) CheckWager(ctx context.Context, q database.Querier, userID int64, amount decimal.Decimal, now time.Time) error {
	limits, err := l.loadLimits(ctx, q, userID)
	if err != nil {
		return err
	}
	if limits.Empty() {
		return nil
	}

	usage, err := l.usage(ctx, q, userID, now)
	if err != nil {
		return err
	}

	if limitSet(limits.DailyBetLimit) && usage.DailyBet.Add(amount).GreaterThan(*limits.DailyBetLimit) {
		l.log.WithFields(logrus.Fields{"user_id": userID, "limit": types.LimitDailyBet}).Info("Wager rejected by limit")
		return types.LimitExceeded(types.LimitDailyBet,
			fmt.Sprintf("daily bet limit of %s reached, current %s", limits.DailyBetLimit.StringFixed(2), usage.DailyBet.StringFixed(2)))
	}
	if limitSet(limits.MonthlyBetLimit) && usage.MonthlyBet.Add(amount).GreaterThan(*limits.MonthlyBetLimit) {
		l.log.WithFields(logrus.Fields{"user_id": userID, "limit": types.LimitMonthlyBet}).Info("Wager rejected by limit")
		return types.LimitExceeded(types.LimitMonthlyBet,
			fmt.Sprintf("monthly bet limit of %s reached", limits.MonthlyBetLimit.StringFixed(2)))
	}
	if limitSet(limits.DailyLossLimit) && usage.DailyLoss.GreaterThanOrEqual(*limits.DailyLossLimit) {
		l.log.WithFields(logrus.Fields{"user_id": userID, "limit": types.LimitDailyLoss}).Info("Wager rejected by limit")
		return types.LimitExceeded(types.LimitDailyLoss,
			fmt.Sprintf("daily loss limit of %s reached", limits.DailyLossLimit.StringFixed(2)))
	}
	return nil
}

// GetLimits returns the configured limits. A user without a row gets an
// empty (unlimited) configuration.
func (l *LimitEnforcer) GetLimits(ctx context.Context, userID int64) (*models.ResponsibleLimit, error) {
	return l.loadLimits(ctx, l.db, userID)
}

// SetLimits creates or replaces the user's limits. Nil fields clear a limit.
func (l *LimitEnforcer) SetLimits(ctx context.Context, limit *models.ResponsibleLimit) error {
	for _, v := range []*decimal.Decimal{limit.DailyLossLimit, limit.DailyBetLimit, limit.MonthlyBetLimit} {
		if v != nil && v.IsNegative() {
			return types.NewError(types.ErrInvalidAmount, "limits must not be negative")
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO responsible_limits (user_id, daily_loss_limit, daily_bet_limit, monthly_bet_limit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET daily_loss_limit = EXCLUDED.daily_loss_limit,
			daily_bet_limit = EXCLUDED.daily_bet_limit,
			monthly_bet_limit = EXCLUDED.monthly_bet_limit`,
		limit.UserID, nullDecimal(limit.DailyLossLimit), nullDecimal(limit.DailyBetLimit), nullDecimal(limit.MonthlyBetLimit))
	if err != nil {
		return types.FromDB("set limits", err)
	}
	l.log.WithField("user_id", limit.UserID).Info("Responsible limits updated")
	return nil
}

// Usage reports today's wagered amount and net loss and this month's
// wagered amount.
func (l *LimitEnforcer) Usage(ctx context.Context, userID int64) (*models.LimitUsage, error) {
	return l.usage(ctx, l.db, userID, l.now())
}

func (l *LimitEnforcer) loadLimits(ctx context.Context, q database.Querier, userID int64) (*models.ResponsibleLimit, error) {
	var daily, dailyBet, monthlyBet decimal.NullDecimal
	err := q.QueryRowContext(ctx, `
		SELECT daily_loss_limit, daily_bet_limit, monthly_bet_limit
		FROM responsible_limits
		WHERE user_id = $1`, userID).Scan(&daily, &dailyBet, &monthlyBet)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.ResponsibleLimit{UserID: userID}, nil
	}
	if err != nil {
		return nil, types.FromDB("load limits", err)
	}
	return &models.ResponsibleLimit{
		UserID:          userID,
		DailyLossLimit:  decimalPtr(daily),
		DailyBetLimit:   decimalPtr(dailyBet),
		MonthlyBetLimit: decimalPtr(monthlyBet),
	}, nil
}

func (l *LimitEnforcer) usage(ctx context.Context, q database.Querier, userID int64, now time.Time) (*models.LimitUsage, error) {
	dayStart, monthStart := usageWindows(now)

	var dailyBet, dailyPayout, monthlyBet decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(bet_amount) FILTER (WHERE created_at >= $2), 0),
			COALESCE(SUM(payout_amount) FILTER (WHERE created_at >= $2), 0),
			COALESCE(SUM(bet_amount), 0)
		FROM bets
		WHERE user_id = $1 AND status <> 'cancelled' AND created_at >= $3`,
		userID, dayStart, monthStart).Scan(&dailyBet, &dailyPayout, &monthlyBet)
	if err != nil {
		return nil, types.FromDB("load limit usage", err)
	}

	return &models.LimitUsage{
		DailyBet:   dailyBet,
		DailyLoss:  dailyBet.Sub(dailyPayout),
		MonthlyBet: monthlyBet,
	}, nil
}

// usageWindows returns the start of the UTC day and UTC month containing now.
func usageWindows(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return dayStart, monthStart
}

// limitSet treats nil and zero as "no limit".
func limitSet(v *decimal.Decimal) bool {
	return v != nil && v.IsPositive()
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
