package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func expectBetInsert(m sqlmock.Sqlmock, betID int64, key any, amount, cash, bonus, points, pointsEq, earned string, jackpotID any, jackpotAmount string) {
	m.ExpectQuery(`INSERT INTO bets .* RETURNING id`).
		WithArgs(testUserID, testTenantID, int64(1), dec(amount), "placed", key,
			dec(cash), dec(bonus), dec(points), dec(pointsEq), dec(earned), jackpotID, dec(jackpotAmount), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(betID))
}

func betRow(id int64, status models.BetStatus, key string, amount, cash, bonus, points, pointsEq, earned string, jackpotID any, jackpotAmount string) *sqlmock.Rows {
	return sqlmock.NewRows(betCols).AddRow(id, testUserID, testTenantID, int64(1), amount, "0", string(status), key,
		cash, bonus, points, pointsEq, earned, jackpotID, jackpotAmount, fixedNow, nil)
}

func assertAllocationInvariants(t *testing.T, alloc *models.Allocation) {
	t.Helper()
	sum := alloc.CashDeducted.Add(alloc.BonusDeducted).Add(alloc.PointsCashEquivalent)
	assert.True(t, sum.Equal(alloc.TotalAmount), "allocation %s does not sum to %s", sum, alloc.TotalAmount)
	promo := alloc.BonusDeducted.Add(alloc.PointsCashEquivalent)
	assert.True(t, promo.LessThanOrEqual(alloc.TotalAmount.Mul(d("0.20"))), "promo share %s above cap", promo)
	for _, part := range []decimal.Decimal{alloc.CashDeducted, alloc.BonusDeducted, alloc.PointsDeducted} {
		assert.False(t, part.IsNegative())
	}
}

func TestPlanAllocation(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name                        string
		amount, bonus, points       string
		cash, bonusUsed, pointsUsed string
	}{
		{"cash only", "50.00", "0", "0", "50.00", "0", "0"},
		{"bonus capped at 20 percent", "50.00", "200.00", "0", "40.00", "10.00", "0"},
		{"bonus then points fill the cap", "50.00", "6.00", "10.00", "40.00", "6.00", "4.00"},
		{"points alone", "50.00", "0", "3.00", "47.00", "0", "3.00"},
		{"cap truncates to cents", "0.99", "5.00", "5.00", "0.80", "0.19", "0"},
		{"tiny wager has no promo share", "0.04", "5.00", "5.00", "0.04", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planAllocation(d(tt.amount), d(tt.bonus), d(tt.points), cfg)
			assert.Equal(t, d(tt.cash).StringFixed(2), plan.Cash.StringFixed(2))
			assert.Equal(t, d(tt.bonusUsed).StringFixed(2), plan.Bonus.StringFixed(2))
			assert.Equal(t, d(tt.pointsUsed).StringFixed(2), plan.PointsCashEq.StringFixed(2))
			assert.True(t, plan.Cash.Add(plan.Bonus).Add(plan.PointsCashEq).Equal(d(tt.amount)))
		})
	}

	t.Run("points ratio converts units", func(t *testing.T) {
		ratio := testConfig()
		ratio.PointsPerCashUnit = decimal.NewFromInt(10)

		plan := planAllocation(d("50.00"), decimal.Zero, d("25.00"), ratio)
		assert.Equal(t, "2.50", plan.PointsCashEq.StringFixed(2))
		assert.Equal(t, "25.00", plan.PointsDebited.StringFixed(2))
		assert.Equal(t, "47.50", plan.Cash.StringFixed(2))
	})
}

func TestSettlementEngine_PlaceWager(t *testing.T) {
	ctx := context.Background()

	t.Run("mixed funds", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectWalletSet(mock, "100.00", "6.00", "10.00")
		expectNoLimits(mock)
		expectWalletUpdate(mock, 1, "60.00", 1)
		expectWalletUpdate(mock, 2, "0.00", 1)
		expectWalletUpdate(mock, 3, "6.00", 1)
		expectWalletUpdate(mock, 3, "11.00", 2)
		expectBetInsert(mock, 42, nil, "50", "40", "6", "4", "4", "5", nil, "0")
		mock.ExpectCommit()

		alloc, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("50.00")})
		require.NoError(t, err)
		assert.Equal(t, int64(42), alloc.BetID)
		assert.Equal(t, int64(1), alloc.CashWalletID)
		assert.Equal(t, "40.00", alloc.CashDeducted.StringFixed(2))
		assert.Equal(t, "6.00", alloc.BonusDeducted.StringFixed(2))
		assert.Equal(t, "4.00", alloc.PointsCashEquivalent.StringFixed(2))
		assert.Equal(t, "5.00", alloc.PointsEarned.StringFixed(2))
		assert.False(t, alloc.Jackpot.Won)
		assertAllocationInvariants(t, alloc)
		assert.Equal(t, []string{EventWagerPlaced}, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid amounts touch nothing", func(t *testing.T) {
		h := newHarness(t)

		for _, amount := range []string{"0", "-10", "10.001"} {
			_, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d(amount)})
			assert.True(t, types.IsCode(err, types.ErrInvalidAmount), amount)
		}
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("insufficient cash rolls back without writes", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectWalletSet(mock, "30.00", "0.00", "0.00")
		expectNoLimits(mock)
		mock.ExpectRollback()

		_, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("50.00")})
		assert.True(t, types.IsCode(err, types.ErrInsufficientFunds))
		assert.Empty(t, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing cash wallet", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectLockKind(mock, models.FundCash, sqlmock.NewRows(walletCols))
		mock.ExpectRollback()

		_, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("5.00")})
		assert.True(t, types.IsCode(err, types.ErrWalletNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit breach rejects before any mutation", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectWalletSet(mock, "500.00", "0.00", "0.00")
		expectLimits(mock, nil, "100.00", nil)
		expectUsage(mock, "90.00", "0", "90.00")
		mock.ExpectRollback()

		_, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("20.00")})
		var se *types.SettlementError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, types.ErrLimitExceeded, se.Code)
		assert.Equal(t, types.LimitDailyBet, se.Limit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("two wagers of 60 against 100 serialize on the cash row", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		// First holder of the lock sees 100.00.
		expectBegin(mock)
		expectWalletSet(mock, "100.00", "0.00", "0.00")
		expectNoLimits(mock)
		expectWalletUpdate(mock, 1, "40.00", 1)
		expectWalletUpdate(mock, 3, "6.00", 1)
		expectBetInsert(mock, 1, nil, "60", "60", "0", "0", "0", "6", nil, "0")
		mock.ExpectCommit()

		// Second waits on the row lock and then sees the committed 40.00.
		expectBegin(mock)
		expectLockKind(mock, models.FundCash, walletRow(1, models.FundCash, "40.00", 2))
		expectLockKind(mock, models.FundBonus, walletRow(2, models.FundBonus, "0.00", 1))
		expectLockKind(mock, models.FundPoints, walletRow(3, models.FundPoints, "6.00", 2))
		expectNoLimits(mock)
		mock.ExpectRollback()

		req := WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("60.00")}
		_, first := h.engine.PlaceWager(ctx, req)
		_, second := h.engine.PlaceWager(ctx, req)

		assert.NoError(t, first)
		assert.True(t, types.IsCode(second, types.ErrInsufficientFunds))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("jackpot win is credited to cash inside the wager", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock
		h.rng.draws = []float64{0.0001}

		expectBegin(mock)
		expectWalletSet(mock, "500.00", "0.00", "0.00")
		expectNoLimits(mock)
		expectWalletUpdate(mock, 1, "300.00", 1)
		expectJackpotLock(mock, sqlmock.NewRows(jackpotCols).
			AddRow(5, testTenantID, "Daily Drop", "1000.00", "100.00", "0.01", "0.001", true, fixedNow))
		expectJackpotUpdate(mock, 5, "100.00")
		mock.ExpectExec(`INSERT INTO jackpot_wins`).
			WithArgs(int64(5), testUserID, dec("1002.00"), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		expectWalletUpdate(mock, 1, "1302.00", 2)
		expectWalletUpdate(mock, 3, "20.00", 1)
		expectBetInsert(mock, 77, nil, "200", "200", "0", "0", "0", "20", int64(5), "1002")
		mock.ExpectCommit()

		alloc, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("200.00")})
		require.NoError(t, err)
		assert.True(t, alloc.Jackpot.Won)
		assert.Equal(t, "Daily Drop", alloc.Jackpot.Name)
		assert.Equal(t, "1002.00", alloc.Jackpot.Amount.StringFixed(2))
		assert.Equal(t, []string{EventWagerPlaced, EventJackpotWon}, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("idempotency key replays the stored allocation", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`FROM bets WHERE user_id = \$1 AND idempotency_key = \$2`).
			WithArgs(testUserID, "round-1").
			WillReturnRows(betRow(42, models.BetPlaced, "round-1", "50.00", "40.00", "6.00", "4.00", "4.00", "5.00", nil, "0"))

		alloc, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID,
			Amount: d("50.00"), IdempotencyKey: "round-1"})
		require.NoError(t, err)
		assert.True(t, alloc.Replayed)
		assert.Equal(t, int64(42), alloc.BetID)
		assert.Equal(t, "40.00", alloc.CashDeducted.StringFixed(2))
		assertAllocationInvariants(t, alloc)
		assert.Empty(t, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent duplicate key falls back to replay", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`FROM bets WHERE user_id = \$1 AND idempotency_key = \$2`).
			WithArgs(testUserID, "round-2").
			WillReturnRows(sqlmock.NewRows(betCols))
		expectBegin(mock)
		expectWalletSet(mock, "100.00", "0.00", "0.00")
		expectNoLimits(mock)
		expectWalletUpdate(mock, 1, "90.00", 1)
		expectWalletUpdate(mock, 3, "1.00", 1)
		mock.ExpectQuery(`INSERT INTO bets`).
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
		mock.ExpectRollback()
		mock.ExpectQuery(`FROM bets WHERE user_id = \$1 AND idempotency_key = \$2`).
			WithArgs(testUserID, "round-2").
			WillReturnRows(betRow(43, models.BetPlaced, "round-2", "10.00", "10.00", "0", "0", "0", "1.00", nil, "0"))

		alloc, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID,
			Amount: d("10.00"), IdempotencyKey: "round-2"})
		require.NoError(t, err)
		assert.True(t, alloc.Replayed)
		assert.Equal(t, int64(43), alloc.BetID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout surfaces as busy", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		mock.ExpectQuery(`FROM wallets WHERE user_id = \$1 AND tenant_id = \$2 AND kind = \$3 FOR UPDATE`).
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		_, err := h.engine.PlaceWager(ctx, WagerRequest{UserID: testUserID, TenantID: testTenantID, Amount: d("10.00")})
		assert.True(t, types.IsCode(err, types.ErrBusy))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestScalePayout(t *testing.T) {
	tests := []struct {
		gross, rtp, want string
	}{
		{"10.00", "96", "9.60"},
		{"18.01", "50", "9.01"}, // 9.005 rounds half up
		{"18.01", "49.99", "9.00"},
		{"100.00", "100", "100.00"},
		{"0.01", "50", "0.01"},
		{"0", "96", "0.00"},
	}
	for _, tt := range tests {
		got := ScalePayout(d(tt.gross), d(tt.rtp))
		assert.Equal(t, tt.want, got.StringFixed(2), "%s x %s%%", tt.gross, tt.rtp)
	}
}

func TestSettlementEngine_CreditPayout(t *testing.T) {
	ctx := context.Background()
	betID := int64(42)

	t.Run("scales by rtp and credits cash", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectLockKind(mock, models.FundCash, walletRow(1, models.FundCash, "5.00", 3))
		expectWalletUpdate(mock, 1, "14.60", 3)
		mock.ExpectCommit()

		net, err := h.engine.CreditPayout(ctx, PayoutRequest{UserID: testUserID, TenantID: testTenantID,
			GrossAmount: d("10.00"), RTPPercent: d("96")})
		require.NoError(t, err)
		assert.Equal(t, "9.60", net.StringFixed(2))
		assert.Equal(t, []string{EventPayoutCredited}, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settles the referenced bet once", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectLockKind(mock, models.FundCash, walletRow(1, models.FundCash, "0.00", 1))
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(betRow(betID, models.BetPlaced, "", "10.00", "10.00", "0", "0", "0", "1.00", nil, "0"))
		mock.ExpectExec(`UPDATE bets SET payout_amount = \$1, status = \$2, settled_at = \$3 WHERE id = \$4`).
			WithArgs(dec("19.20"), "won", sqlmock.AnyArg(), betID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectWalletUpdate(mock, 1, "19.20", 1)
		mock.ExpectCommit()

		expectBegin(mock)
		expectLockKind(mock, models.FundCash, walletRow(1, models.FundCash, "19.20", 2))
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(betRow(betID, models.BetWon, "", "10.00", "10.00", "0", "0", "0", "1.00", nil, "0"))
		mock.ExpectRollback()

		req := PayoutRequest{UserID: testUserID, TenantID: testTenantID, GrossAmount: d("20.00"), RTPPercent: d("96"), BetID: &betID}
		net, err := h.engine.CreditPayout(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "19.20", net.StringFixed(2))

		_, err = h.engine.CreditPayout(ctx, req)
		assert.True(t, types.IsCode(err, types.ErrAlreadySettled))
		assert.Equal(t, []string{EventPayoutCredited}, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero payout marks the bet lost without a credit", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(betRow(betID, models.BetPlaced, "", "10.00", "10.00", "0", "0", "0", "1.00", nil, "0"))
		mock.ExpectExec(`UPDATE bets SET payout_amount`).
			WithArgs(dec("0"), "lost", sqlmock.AnyArg(), betID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		net, err := h.engine.CreditPayout(ctx, PayoutRequest{UserID: testUserID, TenantID: testTenantID,
			GrossAmount: decimal.Zero, RTPPercent: d("96"), BetID: &betID})
		require.NoError(t, err)
		assert.True(t, net.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("another user's bet is not found", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		expectBegin(mock)
		expectLockKind(mock, models.FundCash, walletRow(1, models.FundCash, "0.00", 1))
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(sqlmock.NewRows(betCols).AddRow(betID, int64(99), testTenantID, int64(8), "10.00", "0", "placed", "",
				"10.00", "0", "0", "0", "1.00", nil, "0", fixedNow, nil))
		mock.ExpectRollback()

		_, err := h.engine.CreditPayout(ctx, PayoutRequest{UserID: testUserID, TenantID: testTenantID,
			GrossAmount: d("10.00"), RTPPercent: d("96"), BetID: &betID})
		assert.True(t, types.IsCode(err, types.ErrBetNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid inputs", func(t *testing.T) {
		h := newHarness(t)

		for _, req := range []PayoutRequest{
			{GrossAmount: d("-1"), RTPPercent: d("96")},
			{GrossAmount: d("10"), RTPPercent: d("0")},
			{GrossAmount: d("10"), RTPPercent: d("100.01")},
		} {
			_, err := h.engine.CreditPayout(ctx, req)
			assert.True(t, types.IsCode(err, types.ErrInvalidAmount))
		}
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}

func TestSettlementEngine_CancelWager(t *testing.T) {
	ctx := context.Background()
	betID := int64(42)

	t.Run("refunds every fund and claws back loyalty", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`SELECT user_id, tenant_id FROM bets WHERE id = \$1`).
			WithArgs(betID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}).AddRow(testUserID, testTenantID))
		expectBegin(mock)
		expectWalletSet(mock, "60.00", "0.00", "11.00")
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(betRow(betID, models.BetPlaced, "", "50.00", "40.00", "6.00", "4.00", "4.00", "5.00", nil, "0"))
		expectWalletUpdate(mock, 1, "100.00", 1)
		expectWalletUpdate(mock, 2, "6.00", 1)
		expectWalletUpdate(mock, 3, "10.00", 1)
		mock.ExpectExec(`UPDATE bets SET status = \$1, settled_at = \$2 WHERE id = \$3`).
			WithArgs("cancelled", sqlmock.AnyArg(), betID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		bet, err := h.engine.CancelWager(ctx, testUserID, testTenantID, betID)
		require.NoError(t, err)
		assert.Equal(t, models.BetCancelled, bet.Status)
		assert.NotNil(t, bet.SettledAt)
		assert.Equal(t, []string{EventWagerCancelled}, h.publisher.eventTypes())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settled bet cannot be cancelled", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`SELECT user_id, tenant_id FROM bets WHERE id = \$1`).
			WithArgs(betID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}).AddRow(testUserID, testTenantID))
		expectBegin(mock)
		expectWalletSet(mock, "60.00", "0.00", "11.00")
		mock.ExpectQuery(`FROM bets WHERE id = \$1 FOR UPDATE`).
			WithArgs(betID).
			WillReturnRows(betRow(betID, models.BetLost, "", "50.00", "40.00", "6.00", "4.00", "4.00", "5.00", nil, "0"))
		mock.ExpectRollback()

		_, err := h.engine.CancelWager(ctx, testUserID, testTenantID, betID)
		assert.True(t, types.IsCode(err, types.ErrAlreadySettled))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown bet", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`SELECT user_id, tenant_id FROM bets WHERE id = \$1`).
			WithArgs(betID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}))

		_, err := h.engine.CancelWager(ctx, testUserID, testTenantID, betID)
		assert.True(t, types.IsCode(err, types.ErrBetNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bet of another tenant is not found", func(t *testing.T) {
		h := newHarness(t)
		mock := h.mock

		mock.ExpectQuery(`SELECT user_id, tenant_id FROM bets WHERE id = \$1`).
			WithArgs(betID).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id"}).AddRow(testUserID, testTenantID+1))

		_, err := h.engine.CancelWager(ctx, testUserID, testTenantID, betID)
		assert.True(t, types.IsCode(err, types.ErrBetNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
