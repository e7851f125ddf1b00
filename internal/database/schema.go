package database

import (
	"context"
	"database/sql"
	"fmt"
)

const walletsSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	tenant_id  BIGINT NOT NULL,
	kind       TEXT NOT NULL CHECK (kind IN ('cash', 'bonus', 'points')),
	balance    NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT unique_user_tenant_wallet UNIQUE (user_id, tenant_id, kind)
)`

const betsSchema = `
CREATE TABLE IF NOT EXISTS bets (
	id              BIGSERIAL PRIMARY KEY,
	user_id         BIGINT NOT NULL,
	tenant_id       BIGINT NOT NULL,
	wallet_id       BIGINT NOT NULL REFERENCES wallets(id),
	bet_amount      NUMERIC(18,2) NOT NULL CHECK (bet_amount > 0),
	payout_amount   NUMERIC(18,2) NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'placed' CHECK (status IN ('placed', 'won', 'lost', 'cancelled')),
	idempotency_key TEXT,
	cash_deducted   NUMERIC(18,2) NOT NULL DEFAULT 0,
	bonus_deducted  NUMERIC(18,2) NOT NULL DEFAULT 0,
	points_deducted NUMERIC(18,2) NOT NULL DEFAULT 0,
	points_cash_eq  NUMERIC(18,2) NOT NULL DEFAULT 0,
	points_earned   NUMERIC(18,2) NOT NULL DEFAULT 0,
	jackpot_id      BIGINT,
	jackpot_amount  NUMERIC(18,2) NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	settled_at      TIMESTAMPTZ,
	CONSTRAINT unique_bet_idempotency UNIQUE (user_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_bets_user_created ON bets(user_id, created_at)`

const jackpotsSchema = `
CREATE TABLE IF NOT EXISTS jackpots (
	id                   BIGSERIAL PRIMARY KEY,
	tenant_id            BIGINT NOT NULL,
	name                 TEXT NOT NULL,
	current_amount       NUMERIC(18,2) NOT NULL DEFAULT 1000.00,
	start_amount         NUMERIC(18,2) NOT NULL DEFAULT 1000.00,
	contribution_percent NUMERIC(5,4) NOT NULL DEFAULT 0.01,
	win_probability      NUMERIC(10,9) NOT NULL DEFAULT 0,
	is_active            BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (current_amount >= start_amount)
);
CREATE TABLE IF NOT EXISTS jackpot_wins (
	id         BIGSERIAL PRIMARY KEY,
	jackpot_id BIGINT NOT NULL REFERENCES jackpots(id),
	user_id    BIGINT NOT NULL,
	amount_won NUMERIC(18,2) NOT NULL,
	won_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const limitsSchema = `
CREATE TABLE IF NOT EXISTS responsible_limits (
	user_id           BIGINT PRIMARY KEY,
	daily_loss_limit  NUMERIC(18,2),
	daily_bet_limit   NUMERIC(18,2),
	monthly_bet_limit NUMERIC(18,2)
)`

const payoutOperationsSchema = `
CREATE TABLE IF NOT EXISTS payout_operations (
	operation_id TEXT PRIMARY KEY,
	user_id      BIGINT NOT NULL,
	tenant_id    BIGINT NOT NULL,
	wallet_id    BIGINT NOT NULL REFERENCES wallets(id),
	amount       NUMERIC(18,2) NOT NULL,
	tax_withheld NUMERIC(18,2) NOT NULL DEFAULT 0,
	net_amount   NUMERIC(18,2) NOT NULL,
	currency     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed', 'compensated')),
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_payout_operations_pending ON payout_operations(status, updated_at)`

var migrations = []string{
	walletsSchema,
	betsSchema,
	jackpotsSchema,
	limitsSchema,
	payoutOperationsSchema,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
