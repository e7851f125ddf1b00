package services

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/betledger/settlement/internal/database"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to SETTLEMENT_TEST_DATABASE_URL or skips.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("SETTLEMENT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SETTLEMENT_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())
	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}

func TestIntegration_ConcurrentWagersNeverOverdraw(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.SignupBonus = decimal.Zero
	limits := NewLimitEnforcer(db)
	wallets := NewWalletStore(db, limits, cfg)
	jackpots := NewJackpotEngine(db, nil, wallets, cfg, nil)
	engine := NewSettlementEngine(db, wallets, limits, jackpots, nil, cfg)

	userID := time.Now().UnixNano() % 1_000_000_000
	require.NoError(t, wallets.CreateWalletsForUser(ctx, userID, testTenantID))
	cash, err := wallets.GetWallet(ctx, userID, testTenantID, models.FundCash)
	require.NoError(t, err)
	_, err = wallets.Credit(ctx, cash.ID, decimal.NewFromInt(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.PlaceWager(ctx, WagerRequest{UserID: userID, TenantID: testTenantID, Amount: decimal.NewFromInt(60)})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case types.IsCode(err, types.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	cash, err = wallets.GetWallet(ctx, userID, testTenantID, models.FundCash)
	require.NoError(t, err)
	assert.Equal(t, "40.00", cash.Balance.StringFixed(2))
}
