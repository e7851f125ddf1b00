package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betledger/settlement/internal/audit"
	"github.com/betledger/settlement/internal/config"
	"github.com/betledger/settlement/internal/database"
	"github.com/betledger/settlement/internal/metrics"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const betColumns = `id, user_id, tenant_id, wallet_id, bet_amount, payout_amount, status, COALESCE(idempotency_key, ''),
	cash_deducted, bonus_deducted, points_deducted, points_cash_eq, points_earned, jackpot_id, jackpot_amount,
	created_at, settled_at`

const pqUniqueViolation = "23505"

var (
	hundred           = decimal.NewFromInt(100)
	errDuplicateWager = errors.New("wager with this idempotency key already exists")
)

type WagerRequest struct {
	UserID         int64
	TenantID       int64
	Amount         decimal.Decimal
	IdempotencyKey string
}

type PayoutRequest struct {
	UserID      int64
	TenantID    int64
	GrossAmount decimal.Decimal
	RTPPercent  decimal.Decimal
	BetID       *int64
	Outcome     models.BetStatus // won or lost; empty means won iff the net payout is positive
}

// SettlementEngine turns wagers into balance mutations across the cash,
// bonus and points wallets and credits RTP-scaled winnings back.
type SettlementEngine struct {
	db        *sql.DB
	wallets   *WalletStore
	limits    *LimitEnforcer
	jackpots  *JackpotEngine
	publisher EventPublisher
	audit     *audit.AuditLogger
	cfg       *config.SettlementConfig
	log       *logrus.Entry
	now       func() time.Time
}

func NewSettlementEngine(db *sql.DB, wallets *WalletStore, limits *LimitEnforcer, jackpots *JackpotEngine,
	publisher EventPublisher, cfg *config.SettlementConfig) *SettlementEngine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &SettlementEngine{
		db:        db,
		wallets:   wallets,
		limits:    limits,
		jackpots:  jackpots,
		publisher: publisher,
		audit:     audit.NewAuditLogger(logrus.StandardLogger()),
		cfg:       cfg,
		log:       logrus.WithField("component", "settlement_engine"),
		now:       time.Now,
	}
}

// allocationPlan splits a wager across fund kinds. Bonus is spent first,
// then points, both together capped at the promo share of the wager.
type allocationPlan struct {
	Cash          decimal.Decimal
	Bonus         decimal.Decimal
	PointsCashEq  decimal.Decimal
	PointsDebited decimal.Decimal
}

func planAllocation(amount, bonusBalance, pointsBalance decimal.Decimal, cfg *config.SettlementConfig) allocationPlan {
	maxPromo := amount.Mul(cfg.PromoCapPercent).Div(hundred).Truncate(2)

	bonus := decimal.Min(bonusBalance, maxPromo)
	if bonus.IsNegative() {
		bonus = decimal.Zero
	}

	pointsValue := decimal.Zero
	if cfg.PointsPerCashUnit.IsPositive() && pointsBalance.IsPositive() {
		pointsValue = pointsBalance.Div(cfg.PointsPerCashUnit).Truncate(2)
	}
	pointsCashEq := decimal.Min(pointsValue, maxPromo.Sub(bonus))
	pointsDebited := decimal.Min(pointsCashEq.Mul(cfg.PointsPerCashUnit).Round(2), pointsBalance)
	if !pointsDebited.IsPositive() {
		pointsCashEq, pointsDebited = decimal.Zero, decimal.Zero
	}

	return allocationPlan{
		Cash:          amount.Sub(bonus).Sub(pointsCashEq),
		Bonus:         bonus,
		PointsCashEq:  pointsCashEq,
		PointsDebited: pointsDebited,
	}
}

// PlaceWager debits a wager across the user's wallets, rolls the tenant's
// jackpots with the cash portion, accrues loyalty points and records the
// bet, all in one transaction. A repeated idempotency key returns the
// allocation of the original wager without touching any balance.
func (s *SettlementEngine) PlaceWager(ctx context.Context, req WagerRequest) (alloc *models.Allocation, err error) {
	start := time.Now()
	defer func() { metrics.Observe("place_wager", start, err) }()

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := s.findWagerByKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
	}

	alloc, err = s.placeWager(ctx, req)
	if errors.Is(err, errDuplicateWager) {
		// A concurrent request with the same key won the insert.
		prior, lookupErr := s.findWagerByKey(ctx, req.UserID, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if prior == nil {
			return nil, types.NewError(types.ErrBusy, "duplicate wager not yet visible, retry")
		}
		return prior, nil
	}
	return alloc, err
}

func (s *SettlementEngine) placeWager(ctx context.Context, req WagerRequest) (*models.Allocation, error) {
	logger := s.log.WithFields(logrus.Fields{"user_id": req.UserID, "tenant_id": req.TenantID})

	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("begin wager", err)
	}
	defer tx.Rollback()

	set, err := s.wallets.LockWalletSet(ctx, tx, req.UserID, req.TenantID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.limits.CheckWager(ctx, tx, req.UserID, req.Amount, now); err != nil {
		return nil, err
	}

	bonusBalance, pointsBalance := decimal.Zero, decimal.Zero
	if set.Bonus != nil {
		bonusBalance = set.Bonus.Balance
	}
	if set.Points != nil {
		pointsBalance = set.Points.Balance
	}
	plan := planAllocation(req.Amount, bonusBalance, pointsBalance, s.cfg)

	if set.Cash.Balance.LessThan(plan.Cash) {
		return nil, types.NewError(types.ErrInsufficientFunds,
			fmt.Sprintf("cash balance %s is below required %s", set.Cash.Balance.StringFixed(2), plan.Cash.StringFixed(2)))
	}

	if plan.Cash.IsPositive() {
		if err := s.wallets.debitLocked(ctx, tx, set.Cash, plan.Cash); err != nil {
			return nil, err
		}
	}
	if plan.Bonus.IsPositive() {
		if err := s.wallets.debitLocked(ctx, tx, set.Bonus, plan.Bonus); err != nil {
			return nil, err
		}
	}
	if plan.PointsDebited.IsPositive() {
		if err := s.wallets.debitLocked(ctx, tx, set.Points, plan.PointsDebited); err != nil {
			return nil, err
		}
	}

	outcome, err := s.jackpots.RollForWager(ctx, tx, req.TenantID, req.UserID, set.Cash, plan.Cash)
	if err != nil {
		return nil, err
	}

	earned := req.Amount.Mul(s.cfg.LoyaltyPercent).Div(hundred).Round(2)
	if earned.IsPositive() {
		if set.Points == nil {
			logger.Warn("No points wallet, skipping loyalty accrual")
			earned = decimal.Zero
		} else if err := s.wallets.creditLocked(ctx, tx, set.Points, earned); err != nil {
			return nil, err
		}
	}

	bet := &models.Bet{
		UserID:         req.UserID,
		TenantID:       req.TenantID,
		WalletID:       set.Cash.ID,
		BetAmount:      req.Amount,
		Status:         models.BetPlaced,
		IdempotencyKey: req.IdempotencyKey,
		CashDeducted:   plan.Cash,
		BonusDeducted:  plan.Bonus,
		PointsDeducted: plan.PointsDebited,
		PointsCashEq:   plan.PointsCashEq,
		PointsEarned:   earned,
		JackpotAmount:  outcome.Amount,
		CreatedAt:      now,
	}
	if outcome.Won {
		bet.JackpotID = &outcome.JackpotID
	}
	if err := s.insertBet(ctx, tx, bet); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("commit wager", err)
	}

	alloc := allocationFromBet(bet, outcome.Name)
	logger.WithFields(logrus.Fields{
		"bet_id": bet.ID,
		"amount": req.Amount.StringFixed(2),
		"cash":   plan.Cash.StringFixed(2),
		"bonus":  plan.Bonus.StringFixed(2),
		"points": plan.PointsDebited.StringFixed(2),
	}).Info("Wager placed")
	s.audit.LogWager(fmt.Sprintf("bet-%d", bet.ID), req.UserID, req.TenantID, req.Amount, map[string]any{
		"cash_deducted":  plan.Cash.StringFixed(2),
		"bonus_deducted": plan.Bonus.StringFixed(2),
		"points_cash_eq": plan.PointsCashEq.StringFixed(2),
	})

	if s.jackpots.Qualifies(plan.Cash) {
		s.jackpots.InvalidateCache(ctx, req.TenantID)
	}
	s.publish(ctx, SettlementEvent{
		Type:     EventWagerPlaced,
		UserID:   req.UserID,
		TenantID: req.TenantID,
		BetID:    bet.ID,
		Amount:   req.Amount,
	})
	if outcome.Won {
		metrics.JackpotWins.WithLabelValues(fmt.Sprint(req.TenantID)).Inc()
		s.publish(ctx, SettlementEvent{
			Type:     EventJackpotWon,
			UserID:   req.UserID,
			TenantID: req.TenantID,
			BetID:    bet.ID,
			Amount:   outcome.Amount,
			Jackpot:  &outcome,
		})
	}
	return alloc, nil
}

// CreditPayout credits gross × rtp / 100, rounded half-up to cents, to the
// user's cash wallet. When BetID is set the bet is settled in the same
// transaction and can be settled only once.
func (s *SettlementEngine) CreditPayout(ctx context.Context, req PayoutRequest) (net decimal.Decimal, err error) {
	start := time.Now()
	defer func() { metrics.Observe("credit_payout", start, err) }()

	if req.GrossAmount.IsNegative() {
		return decimal.Zero, types.NewError(types.ErrInvalidAmount, "gross amount must not be negative")
	}
	if !req.RTPPercent.IsPositive() || req.RTPPercent.GreaterThan(hundred) {
		return decimal.Zero, types.NewError(types.ErrInvalidAmount, "rtp must be within (0, 100]")
	}
	net = ScalePayout(req.GrossAmount, req.RTPPercent)

	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return decimal.Zero, types.FromDB("begin payout", err)
	}
	defer tx.Rollback()

	var cash *models.Wallet
	if net.IsPositive() {
		cash, err = s.wallets.lockWalletByKind(ctx, tx, req.UserID, req.TenantID, models.FundCash)
		if err != nil {
			return decimal.Zero, err
		}
	}

	if req.BetID != nil {
		bet, err := s.lockBet(ctx, tx, *req.BetID)
		if err != nil {
			return decimal.Zero, err
		}
		if bet.UserID != req.UserID || bet.TenantID != req.TenantID {
			return decimal.Zero, types.NewError(types.ErrBetNotFound, fmt.Sprintf("bet %d not found", *req.BetID))
		}
		if bet.Status.Settled() {
			return decimal.Zero, types.NewError(types.ErrAlreadySettled, fmt.Sprintf("bet %d is already %s", bet.ID, bet.Status))
		}

		status := req.Outcome
		if status != models.BetWon && status != models.BetLost {
			status = models.BetLost
			if net.IsPositive() {
				status = models.BetWon
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bets
			SET payout_amount = $1, status = $2, settled_at = $3
			WHERE id = $4`,
			net, string(status), s.now(), bet.ID); err != nil {
			return decimal.Zero, types.FromDB("settle bet", err)
		}
	}

	if cash != nil {
		if err := s.wallets.creditLocked(ctx, tx, cash, net); err != nil {
			return decimal.Zero, err
		}
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, types.FromDB("commit payout", err)
	}

	reference := "payout"
	event := SettlementEvent{Type: EventPayoutCredited, UserID: req.UserID, TenantID: req.TenantID, Amount: net}
	if req.BetID != nil {
		reference = fmt.Sprintf("bet-%d", *req.BetID)
		event.BetID = *req.BetID
	}
	s.log.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"gross":   req.GrossAmount.StringFixed(2),
		"rtp":     req.RTPPercent.String(),
		"net":     net.StringFixed(2),
	}).Info("Payout credited")
	s.audit.LogPayout(reference, req.UserID, req.TenantID, net, map[string]any{
		"gross": req.GrossAmount.StringFixed(2),
		"rtp":   req.RTPPercent.String(),
	})
	s.publish(ctx, event)
	return net, nil
}

// ScalePayout applies an RTP percentage to a gross payout, rounding half
// away from zero to cents.
func ScalePayout(gross, rtpPercent decimal.Decimal) decimal.Decimal {
	return gross.Mul(rtpPercent).Div(hundred).Round(2)
}

// CancelWager reverses a placed bet: every deduction is refunded to its
// wallet and the loyalty points it earned are clawed back, bounded by the
// points balance. Jackpot contributions and wins stay where they are.
func (s *SettlementEngine) CancelWager(ctx context.Context, userID, tenantID, betID int64) (bet *models.Bet, err error) {
	start := time.Now()
	defer func() { metrics.Observe("cancel_wager", start, err) }()

	var owner, ownerTenant int64
	err = s.db.QueryRowContext(ctx, `SELECT user_id, tenant_id FROM bets WHERE id = $1`, betID).Scan(&owner, &ownerTenant)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (owner != userID || ownerTenant != tenantID)) {
		return nil, types.NewError(types.ErrBetNotFound, fmt.Sprintf("bet %d not found", betID))
	}
	if err != nil {
		return nil, types.FromDB("find bet", err)
	}

	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("begin cancel", err)
	}
	defer tx.Rollback()

	set, err := s.wallets.LockWalletSet(ctx, tx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	bet, err = s.lockBet(ctx, tx, betID)
	if err != nil {
		return nil, err
	}
	if bet.Status.Settled() {
		return nil, types.NewError(types.ErrAlreadySettled, fmt.Sprintf("bet %d is already %s", bet.ID, bet.Status))
	}

	if bet.CashDeducted.IsPositive() {
		if err := s.wallets.creditLocked(ctx, tx, set.Cash, bet.CashDeducted); err != nil {
			return nil, err
		}
	}
	if bet.BonusDeducted.IsPositive() {
		if set.Bonus == nil {
			return nil, types.NewError(types.ErrWalletNotFound, "bonus wallet missing for refund")
		}
		if err := s.wallets.creditLocked(ctx, tx, set.Bonus, bet.BonusDeducted); err != nil {
			return nil, err
		}
	}
	if set.Points != nil {
		available := set.Points.Balance.Add(bet.PointsDeducted)
		clawback := decimal.Min(bet.PointsEarned, available)
		if delta := bet.PointsDeducted.Sub(clawback); !delta.IsZero() {
			if err := s.wallets.updateWalletBalance(ctx, tx, set.Points, set.Points.Balance.Add(delta)); err != nil {
				return nil, err
			}
		}
	} else if bet.PointsDeducted.IsPositive() {
		return nil, types.NewError(types.ErrWalletNotFound, "points wallet missing for refund")
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE bets
		SET status = $1, settled_at = $2
		WHERE id = $3`, string(models.BetCancelled), now, bet.ID); err != nil {
		return nil, types.FromDB("cancel bet", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("commit cancel", err)
	}
	bet.Status = models.BetCancelled
	bet.SettledAt = &now

	s.log.WithFields(logrus.Fields{"user_id": userID, "bet_id": betID}).Info("Wager cancelled")
	s.audit.LogOperation(fmt.Sprintf("bet-%d", betID), userID, "CANCEL", bet.BetAmount, "SUCCESS")
	s.publish(ctx, SettlementEvent{
		Type:     EventWagerCancelled,
		UserID:   userID,
		TenantID: tenantID,
		BetID:    betID,
		Amount:   bet.BetAmount,
	})
	return bet, nil
}

func (s *SettlementEngine) insertBet(ctx context.Context, tx *sql.Tx, bet *models.Bet) error {
	var key sql.NullString
	if bet.IdempotencyKey != "" {
		key = sql.NullString{String: bet.IdempotencyKey, Valid: true}
	}
	var jackpotID sql.NullInt64
	if bet.JackpotID != nil {
		jackpotID = sql.NullInt64{Int64: *bet.JackpotID, Valid: true}
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO bets (user_id, tenant_id, wallet_id, bet_amount, status, idempotency_key,
			cash_deducted, bonus_deducted, points_deducted, points_cash_eq, points_earned,
			jackpot_id, jackpot_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		bet.UserID, bet.TenantID, bet.WalletID, bet.BetAmount, string(bet.Status), key,
		bet.CashDeducted, bet.BonusDeducted, bet.PointsDeducted, bet.PointsCashEq, bet.PointsEarned,
		jackpotID, bet.JackpotAmount, bet.CreatedAt).Scan(&bet.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return errDuplicateWager
		}
		return types.FromDB("insert bet", err)
	}
	return nil
}

func (s *SettlementEngine) lockBet(ctx context.Context, tx *sql.Tx, betID int64) (*models.Bet, error) {
	bet, err := scanBet(tx.QueryRowContext(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE id = $1
		FOR UPDATE`, betID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrBetNotFound, fmt.Sprintf("bet %d not found", betID))
	}
	if err != nil {
		return nil, types.FromDB("lock bet", err)
	}
	return bet, nil
}

// findWagerByKey returns the stored allocation for an idempotency key, or
// nil when the key is unused.
func (s *SettlementEngine) findWagerByKey(ctx context.Context, userID int64, key string) (*models.Allocation, error) {
	bet, err := scanBet(s.db.QueryRowContext(ctx, `
		SELECT `+betColumns+`
		FROM bets
		WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.FromDB("find wager", err)
	}

	var name string
	if bet.JackpotID != nil {
		err := s.db.QueryRowContext(ctx, `SELECT name FROM jackpots WHERE id = $1`, *bet.JackpotID).Scan(&name)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, types.FromDB("find wager jackpot", err)
		}
	}

	alloc := allocationFromBet(bet, name)
	alloc.Replayed = true
	s.log.WithFields(logrus.Fields{"user_id": userID, "bet_id": bet.ID}).Info("Duplicate wager detected, replaying allocation")
	return alloc, nil
}

func (s *SettlementEngine) publish(ctx context.Context, event SettlementEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		metrics.PublishErrors.Inc()
		s.log.WithError(err).WithField("event", event.Type).Warn("Failed to publish settlement event")
	}
}

func allocationFromBet(bet *models.Bet, jackpotName string) *models.Allocation {
	alloc := &models.Allocation{
		BetID:                bet.ID,
		CashWalletID:         bet.WalletID,
		TotalAmount:          bet.BetAmount,
		CashDeducted:         bet.CashDeducted,
		BonusDeducted:        bet.BonusDeducted,
		PointsDeducted:       bet.PointsDeducted,
		PointsCashEquivalent: bet.PointsCashEq,
		PointsEarned:         bet.PointsEarned,
	}
	if bet.JackpotID != nil {
		alloc.Jackpot = models.JackpotOutcome{
			Won:       true,
			JackpotID: *bet.JackpotID,
			Name:      jackpotName,
			Amount:    bet.JackpotAmount,
		}
	}
	return alloc
}

func scanBet(row rowScanner) (*models.Bet, error) {
	var bet models.Bet
	var status string
	var jackpotID sql.NullInt64
	var settledAt sql.NullTime
	if err := row.Scan(&bet.ID, &bet.UserID, &bet.TenantID, &bet.WalletID, &bet.BetAmount, &bet.PayoutAmount,
		&status, &bet.IdempotencyKey, &bet.CashDeducted, &bet.BonusDeducted, &bet.PointsDeducted,
		&bet.PointsCashEq, &bet.PointsEarned, &jackpotID, &bet.JackpotAmount, &bet.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	bet.Status = models.BetStatus(status)
	if jackpotID.Valid {
		bet.JackpotID = &jackpotID.Int64
	}
	if settledAt.Valid {
		bet.SettledAt = &settledAt.Time
	}
	return &bet, nil
}
