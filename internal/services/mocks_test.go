package services

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/betledger/settlement/internal/config"
	"github.com/betledger/settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testUserID   int64 = 7
	testTenantID int64 = 3
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

var (
	walletCols  = []string{"id", "user_id", "tenant_id", "kind", "balance", "version", "updated_at"}
	limitCols   = []string{"daily_loss_limit", "daily_bet_limit", "monthly_bet_limit"}
	usageCols   = []string{"daily_bet", "daily_payout", "monthly_bet"}
	jackpotCols = []string{"id", "tenant_id", "name", "current_amount", "start_amount", "contribution_percent", "win_probability", "is_active", "updated_at"}
	betCols     = []string{"id", "user_id", "tenant_id", "wallet_id", "bet_amount", "payout_amount", "status", "idempotency_key",
		"cash_deducted", "bonus_deducted", "points_deducted", "points_cash_eq", "points_earned", "jackpot_id", "jackpot_amount",
		"created_at", "settled_at"}
	operationCols = []string{"operation_id", "user_id", "tenant_id", "wallet_id", "amount", "tax_withheld", "net_amount", "currency",
		"status", "attempts", "last_error", "created_at", "updated_at"}
)

// decimalArg matches a decimal bind parameter by value, ignoring scale.
type decimalArg struct {
	want decimal.Decimal
}

func dec(s string) decimalArg {
	return decimalArg{want: decimal.RequireFromString(s)}
}

func (a decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	d, err := decimal.NewFromString(s)
	return err == nil && d.Equal(a.want)
}

func testConfig() *config.SettlementConfig {
	return config.DefaultSettlementConfig()
}

func walletRow(id int64, kind models.FundKind, balance string, version int) *sqlmock.Rows {
	return sqlmock.NewRows(walletCols).AddRow(id, testUserID, testTenantID, string(kind), balance, version, fixedNow)
}

func expectBegin(m sqlmock.Sqlmock) {
	m.ExpectBegin()
	m.ExpectExec("SET LOCAL lock_timeout = '5000ms'").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLockKind(m sqlmock.Sqlmock, kind models.FundKind, rows *sqlmock.Rows) {
	m.ExpectQuery(`FROM wallets WHERE user_id = \$1 AND tenant_id = \$2 AND kind = \$3 FOR UPDATE`).
		WithArgs(testUserID, testTenantID, string(kind)).
		WillReturnRows(rows)
}

// expectWalletSet locks cash, bonus and points with the given balances.
func expectWalletSet(m sqlmock.Sqlmock, cash, bonus, points string) {
	expectLockKind(m, models.FundCash, walletRow(1, models.FundCash, cash, 1))
	expectLockKind(m, models.FundBonus, walletRow(2, models.FundBonus, bonus, 1))
	expectLockKind(m, models.FundPoints, walletRow(3, models.FundPoints, points, 1))
}

func expectWalletUpdate(m sqlmock.Sqlmock, walletID int64, balance string, version int) {
	m.ExpectExec(`UPDATE wallets SET balance = \$1, version = version \+ 1, updated_at = \$2 WHERE id = \$3 AND version = \$4`).
		WithArgs(dec(balance), sqlmock.AnyArg(), walletID, version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectNoLimits(m sqlmock.Sqlmock) {
	m.ExpectQuery(`FROM responsible_limits WHERE user_id = \$1`).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows(limitCols))
}

func expectLimits(m sqlmock.Sqlmock, dailyLoss, dailyBet, monthlyBet any) {
	m.ExpectQuery(`FROM responsible_limits WHERE user_id = \$1`).
		WithArgs(testUserID).
		WillReturnRows(sqlmock.NewRows(limitCols).AddRow(dailyLoss, dailyBet, monthlyBet))
}

func expectUsage(m sqlmock.Sqlmock, dailyBet, dailyPayout, monthlyBet string) {
	m.ExpectQuery(`FROM bets WHERE user_id = \$1 AND status <> 'cancelled' AND created_at >= \$3`).
		WithArgs(testUserID, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(usageCols).AddRow(dailyBet, dailyPayout, monthlyBet))
}

// seqRand replays a fixed sequence of draws.
type seqRand struct {
	draws []float64
	next  int
}

func (r *seqRand) Float64() float64 {
	d := r.draws[r.next]
	r.next++
	return d
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event SettlementEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) eventTypes() []string {
	var seen []string
	for _, call := range m.Calls {
		if call.Method == "Publish" {
			seen = append(seen, call.Arguments.Get(1).(SettlementEvent).Type)
		}
	}
	return seen
}

type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Payout(ctx context.Context, instruction PayoutInstruction) error {
	args := m.Called(ctx, instruction)
	return args.Error(0)
}

type testHarness struct {
	mock      sqlmock.Sqlmock
	cfg       *config.SettlementConfig
	limits    *LimitEnforcer
	wallets   *WalletStore
	jackpots  *JackpotEngine
	engine    *SettlementEngine
	rng       *seqRand
	publisher *MockPublisher
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, sm, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := func() time.Time { return fixedNow }
	cfg := testConfig()

	limits := NewLimitEnforcer(db)
	limits.now = clock
	wallets := NewWalletStore(db, limits, cfg)
	wallets.now = clock
	rng := &seqRand{}
	jackpots := NewJackpotEngine(db, nil, wallets, cfg, rng)
	jackpots.now = clock

	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	engine := NewSettlementEngine(db, wallets, limits, jackpots, publisher, cfg)
	engine.now = clock

	return &testHarness{
		mock:      sm,
		cfg:       cfg,
		limits:    limits,
		wallets:   wallets,
		jackpots:  jackpots,
		engine:    engine,
		rng:       rng,
		publisher: publisher,
	}
}
