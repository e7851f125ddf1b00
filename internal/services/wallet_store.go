package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betledger/settlement/internal/config"
	"github.com/betledger/settlement/internal/database"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const walletColumns = `id, user_id, tenant_id, kind, balance, version, updated_at`

// WalletStore owns the wallet rows. Every balance change happens on a row
// locked with SELECT ... FOR UPDATE inside the caller's transaction.
type WalletStore struct {
	db     *sql.DB
	limits *LimitEnforcer
	cfg    *config.SettlementConfig
	log    *logrus.Entry
	now    func() time.Time
}

func NewWalletStore(db *sql.DB, limits *LimitEnforcer, cfg *config.SettlementConfig) *WalletStore {
	return &WalletStore{
		db:     db,
		limits: limits,
		cfg:    cfg,
		log:    logrus.WithField("component", "wallet_store"),
		now:    time.Now,
	}
}

// GetWallet reads a wallet without locking it.
func (s *WalletStore) GetWallet(ctx context.Context, userID, tenantID int64, kind models.FundKind) (*models.Wallet, error) {
	if !kind.Valid() {
		return nil, types.NewError(types.ErrWalletNotFound, fmt.Sprintf("unknown fund kind %q", kind))
	}
	w, err := scanWallet(s.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND tenant_id = $2 AND kind = $3`, userID, tenantID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrWalletNotFound, fmt.Sprintf("no %s wallet for user %d", kind, userID))
	}
	if err != nil {
		return nil, types.FromDB("get wallet", err)
	}
	return w, nil
}

// ListWallets returns the user's wallets in lock order (cash, bonus, points).
func (s *WalletStore) ListWallets(ctx context.Context, userID, tenantID int64) ([]models.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND tenant_id = $2
		ORDER BY CASE kind WHEN 'cash' THEN 0 WHEN 'bonus' THEN 1 ELSE 2 END`, userID, tenantID)
	if err != nil {
		return nil, types.FromDB("list wallets", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, types.FromDB("list wallets", err)
		}
		wallets = append(wallets, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.FromDB("list wallets", err)
	}
	return wallets, nil
}

// CreateWalletsForUser provisions the cash, bonus and points wallets of a
// (user, tenant) pair. The bonus wallet is seeded with the signup bonus.
// Calling it again is a no-op.
func (s *WalletStore) CreateWalletsForUser(ctx context.Context, userID, tenantID int64) error {
	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return types.FromDB("create wallets", err)
	}
	defer tx.Rollback()

	for _, kind := range models.FundKinds {
		opening := decimal.Zero
		if kind == models.FundBonus {
			opening = s.cfg.SignupBonus
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, tenant_id, kind, balance)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, tenant_id, kind) DO NOTHING`,
			userID, tenantID, string(kind), opening); err != nil {
			return types.FromDB("create wallets", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.FromDB("create wallets", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": tenantID}).Info("Wallets provisioned")
	return nil
}

// Credit adds amount to a wallet in its own transaction.
func (s *WalletStore) Credit(ctx context.Context, walletID int64, amount decimal.Decimal) (*models.Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("credit", err)
	}
	defer tx.Rollback()

	w, err := s.CreditTx(ctx, tx, walletID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("credit", err)
	}
	return w, nil
}

// CreditTx adds amount to a wallet inside tx.
func (s *WalletStore) CreditTx(ctx context.Context, tx *sql.Tx, walletID int64, amount decimal.Decimal) (*models.Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	w, err := s.lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if err := s.creditLocked(ctx, tx, w, amount); err != nil {
		return nil, err
	}
	return w, nil
}

// Debit removes amount from a wallet in its own transaction.
func (s *WalletStore) Debit(ctx context.Context, walletID int64, amount decimal.Decimal) (*models.Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	tx, err := database.BeginTx(ctx, s.db, s.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("debit", err)
	}
	defer tx.Rollback()

	w, err := s.DebitTx(ctx, tx, walletID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("debit", err)
	}
	return w, nil
}

// DebitTx removes amount from a wallet inside tx. Cash debits are checked
// against the owner's responsible-gaming limits before the balance moves.
func (s *WalletStore) DebitTx(ctx context.Context, tx *sql.Tx, walletID int64, amount decimal.Decimal) (*models.Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	w, err := s.lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if err := s.debitChecked(ctx, tx, w, amount); err != nil {
		return nil, err
	}
	return w, nil
}

// LockWalletSet locks the (user, tenant) wallets in the global order
// cash, bonus, points. A missing cash wallet is an error; missing bonus or
// points wallets are left nil.
func (s *WalletStore) LockWalletSet(ctx context.Context, tx *sql.Tx, userID, tenantID int64) (*models.WalletSet, error) {
	set := &models.WalletSet{}
	for _, kind := range models.FundKinds {
		w, err := s.lockWalletByKind(ctx, tx, userID, tenantID, kind)
		if err != nil {
			if kind != models.FundCash && types.IsCode(err, types.ErrWalletNotFound) {
				continue
			}
			return nil, err
		}
		set.Set(w)
	}
	return set, nil
}

func (s *WalletStore) lockWallet(ctx context.Context, tx *sql.Tx, walletID int64) (*models.Wallet, error) {
	w, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrWalletNotFound, fmt.Sprintf("wallet %d not found", walletID))
	}
	if err != nil {
		return nil, types.FromDB("lock wallet", err)
	}
	return w, nil
}

func (s *WalletStore) lockWalletByKind(ctx context.Context, tx *sql.Tx, userID, tenantID int64, kind models.FundKind) (*models.Wallet, error) {
	w, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND tenant_id = $2 AND kind = $3
		FOR UPDATE`, userID, tenantID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrWalletNotFound, fmt.Sprintf("no %s wallet for user %d", kind, userID))
	}
	if err != nil {
		return nil, types.FromDB("lock wallet", err)
	}
	return w, nil
}

// debitChecked runs the limit check for cash wallets, then debits.
func (s *WalletStore) debitChecked(ctx context.Context, tx *sql.Tx, w *models.Wallet, amount decimal.Decimal) error {
	if w.Kind == models.FundCash && s.limits != nil {
		if err := s.limits.CheckWager(ctx, tx, w.UserID, amount, s.now()); err != nil {
			return err
		}
	}
	return s.debitLocked(ctx, tx, w, amount)
}

func (s *WalletStore) debitLocked(ctx context.Context, tx *sql.Tx, w *models.Wallet, amount decimal.Decimal) error {
	if w.Balance.LessThan(amount) {
		return types.NewError(types.ErrInsufficientFunds,
			fmt.Sprintf("%s wallet %d holds %s, needs %s", w.Kind, w.ID, w.Balance.StringFixed(2), amount.StringFixed(2)))
	}
	return s.updateWalletBalance(ctx, tx, w, w.Balance.Sub(amount))
}

func (s *WalletStore) creditLocked(ctx context.Context, tx *sql.Tx, w *models.Wallet, amount decimal.Decimal) error {
	return s.updateWalletBalance(ctx, tx, w, w.Balance.Add(amount))
}

// updateWalletBalance persists the new balance with a version bump and
// mirrors the change onto w.
func (s *WalletStore) updateWalletBalance(ctx context.Context, tx *sql.Tx, w *models.Wallet, newBalance decimal.Decimal) error {
	now := s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, w.ID, w.Version)
	if err != nil {
		return types.FromDB("update wallet balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return types.FromDB("update wallet balance", err)
	}
	if rowsAffected == 0 {
		return types.NewError(types.ErrBusy, fmt.Sprintf("optimistic lock failed for wallet %d", w.ID))
	}

	w.Balance = newBalance
	w.Version++
	w.UpdatedAt = now
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	var kind string
	if err := row.Scan(&w.ID, &w.UserID, &w.TenantID, &kind, &w.Balance, &w.Version, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Kind = models.FundKind(kind)
	return &w, nil
}

// validateAmount rejects non-positive amounts and amounts with more than
// two decimal places.
func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return types.NewError(types.ErrInvalidAmount, "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return types.NewError(types.ErrInvalidAmount, "amount has more than two decimal places")
	}
	return nil
}
