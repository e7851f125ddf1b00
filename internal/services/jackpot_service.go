package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/betledger/settlement/internal/config"
	"github.com/betledger/settlement/internal/models"
	"github.com/betledger/settlement/internal/types"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const jackpotColumns = `id, tenant_id, name, current_amount, start_amount, contribution_percent, win_probability, is_active, updated_at`

// RandomSource yields uniform draws in [0, 1).
type RandomSource interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// JackpotEngine maintains the per-tenant progressive pools.
type JackpotEngine struct {
	db        *sql.DB
	redis     *redis.Client
	wallets   *WalletStore
	rng       RandomSource
	threshold decimal.Decimal
	cacheTTL  time.Duration
	log       *logrus.Entry
	now       func() time.Time
}

// NewJackpotEngine builds the engine. redisClient may be nil, in which case
// reads go straight to the database. A nil rng uses math/rand.
func NewJackpotEngine(db *sql.DB, redisClient *redis.Client, wallets *WalletStore, cfg *config.SettlementConfig, rng RandomSource) *JackpotEngine {
	if rng == nil {
		rng = globalRand{}
	}
	return &JackpotEngine{
		db:        db,
		redis:     redisClient,
		wallets:   wallets,
		rng:       rng,
		threshold: cfg.JackpotThreshold,
		cacheTTL:  cfg.JackpotCacheTTL,
		log:       logrus.WithField("component", "jackpot_engine"),
		now:       time.Now,
	}
}

// Qualifies reports whether a cash portion is large enough to roll.
func (j *JackpotEngine) Qualifies(cashPortion decimal.Decimal) bool {
	return cashPortion.GreaterThan(j.threshold)
}

// RollForWager contributes cashPortion to every active pool of the tenant in
// ascending id order and draws once per pool. The first winning pool is
// paid in full into cashWallet, which the caller must already hold locked,
// and reset to its start amount. Pools after a win are not visited.
func (j *JackpotEngine) RollForWager(ctx context.Context, tx *sql.Tx, tenantID, userID int64, cashWallet *models.Wallet, cashPortion decimal.Decimal) (models.JackpotOutcome, error) {
	var outcome models.JackpotOutcome
	if !j.Qualifies(cashPortion) {
		return outcome, nil
	}

	jackpots, err := j.lockActive(ctx, tx, tenantID)
	if err != nil {
		return outcome, err
	}

	for i := range jackpots {
		jp := &jackpots[i]
		// Pools are stored to the cent; the contribution rounds half away from zero.
		contribution := cashPortion.Mul(jp.ContributionPercent).Round(2)
		jp.CurrentAmount = jp.CurrentAmount.Add(contribution)

		draw := j.rng.Float64()
		if draw >= jp.WinProbability.InexactFloat64() {
			if err := j.setAmount(ctx, tx, jp.ID, jp.CurrentAmount); err != nil {
				return outcome, err
			}
			continue
		}

		won := jp.CurrentAmount
		if err := j.setAmount(ctx, tx, jp.ID, jp.StartAmount); err != nil {
			return outcome, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jackpot_wins (jackpot_id, user_id, amount_won, won_at)
			VALUES ($1, $2, $3, $4)`,
			jp.ID, userID, won, j.now()); err != nil {
			return outcome, types.FromDB("record jackpot win", err)
		}
		if err := j.wallets.creditLocked(ctx, tx, cashWallet, won); err != nil {
			return outcome, err
		}

		j.log.WithFields(logrus.Fields{
			"jackpot_id": jp.ID,
			"tenant_id":  tenantID,
			"user_id":    userID,
			"amount":     won.StringFixed(2),
		}).Info("Jackpot won")

		return models.JackpotOutcome{Won: true, JackpotID: jp.ID, Name: jp.Name, Amount: won}, nil
	}
	return outcome, nil
}

func (j *JackpotEngine) lockActive(ctx context.Context, tx *sql.Tx, tenantID int64) ([]models.Jackpot, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+jackpotColumns+`
		FROM jackpots
		WHERE tenant_id = $1 AND is_active = TRUE
		ORDER BY id
		FOR UPDATE`, tenantID)
	if err != nil {
		return nil, types.FromDB("lock jackpots", err)
	}
	defer rows.Close()
	return scanJackpots(rows)
}

func (j *JackpotEngine) setAmount(ctx context.Context, tx *sql.Tx, jackpotID int64, amount decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE jackpots
		SET current_amount = $1, updated_at = $2
		WHERE id = $3`, amount, j.now(), jackpotID); err != nil {
		return types.FromDB("update jackpot", err)
	}
	return nil
}

// ListJackpots returns the tenant's active pools for display, served from
// Redis when a fresh copy is cached.
func (j *JackpotEngine) ListJackpots(ctx context.Context, tenantID int64) ([]models.Jackpot, error) {
	key := jackpotCacheKey(tenantID)
	if j.redis != nil {
		cached, err := j.redis.Get(ctx, key).Result()
		if err == nil {
			var jackpots []models.Jackpot
			if err := json.Unmarshal([]byte(cached), &jackpots); err == nil {
				return jackpots, nil
			}
			j.log.WithField("key", key).Warn("Discarding unreadable jackpot cache entry")
		} else if err != redis.Nil {
			j.log.WithError(err).Warn("Jackpot cache read failed")
		}
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jackpotColumns+`
		FROM jackpots
		WHERE tenant_id = $1 AND is_active = TRUE
		ORDER BY id`, tenantID)
	if err != nil {
		return nil, types.FromDB("list jackpots", err)
	}
	defer rows.Close()

	jackpots, err := scanJackpots(rows)
	if err != nil {
		return nil, err
	}

	if j.redis != nil {
		payload, err := json.Marshal(jackpots)
		if err == nil {
			if err := j.redis.Set(ctx, key, string(payload), j.cacheTTL).Err(); err != nil {
				j.log.WithError(err).Warn("Jackpot cache write failed")
			}
		}
	}
	return jackpots, nil
}

// GetJackpot returns one active pool of the tenant.
func (j *JackpotEngine) GetJackpot(ctx context.Context, tenantID, jackpotID int64) (*models.Jackpot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+jackpotColumns+`
		FROM jackpots
		WHERE id = $1 AND tenant_id = $2`, jackpotID, tenantID)
	if err != nil {
		return nil, types.FromDB("get jackpot", err)
	}
	defer rows.Close()

	jackpots, err := scanJackpots(rows)
	if err != nil {
		return nil, err
	}
	if len(jackpots) == 0 {
		return nil, types.NewError(types.ErrJackpotInactive, fmt.Sprintf("jackpot %d not found", jackpotID))
	}
	if !jackpots[0].IsActive {
		return nil, types.NewError(types.ErrJackpotInactive, fmt.Sprintf("jackpot %d is not active", jackpotID))
	}
	return &jackpots[0], nil
}

// UpsertJackpot creates a pool when ID is zero and updates it otherwise.
func (j *JackpotEngine) UpsertJackpot(ctx context.Context, jp *models.Jackpot) (*models.Jackpot, error) {
	if err := validateJackpot(jp); err != nil {
		return nil, err
	}

	now := j.now()
	if jp.ID == 0 {
		err := j.db.QueryRowContext(ctx, `
			INSERT INTO jackpots (tenant_id, name, current_amount, start_amount, contribution_percent, win_probability, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			jp.TenantID, jp.Name, jp.CurrentAmount, jp.StartAmount, jp.ContributionPercent, jp.WinProbability, jp.IsActive, now).Scan(&jp.ID)
		if err != nil {
			return nil, types.FromDB("create jackpot", err)
		}
	} else {
		result, err := j.db.ExecContext(ctx, `
			UPDATE jackpots
			SET name = $1, current_amount = $2, start_amount = $3, contribution_percent = $4,
				win_probability = $5, is_active = $6, updated_at = $7
			WHERE id = $8 AND tenant_id = $9`,
			jp.Name, jp.CurrentAmount, jp.StartAmount, jp.ContributionPercent, jp.WinProbability, jp.IsActive, now, jp.ID, jp.TenantID)
		if err != nil {
			return nil, types.FromDB("update jackpot", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil, types.NewError(types.ErrJackpotInactive, fmt.Sprintf("jackpot %d not found", jp.ID))
		}
	}
	jp.UpdatedAt = now

	j.InvalidateCache(ctx, jp.TenantID)
	return jp, nil
}

// InvalidateCache drops the cached ticker of a tenant.
func (j *JackpotEngine) InvalidateCache(ctx context.Context, tenantID int64) {
	if j.redis == nil {
		return
	}
	if err := j.redis.Del(ctx, jackpotCacheKey(tenantID)).Err(); err != nil {
		j.log.WithError(err).WithField("tenant_id", tenantID).Warn("Jackpot cache invalidation failed")
	}
}

func validateJackpot(jp *models.Jackpot) error {
	one := decimal.NewFromInt(1)
	switch {
	case jp.TenantID == 0 || jp.Name == "":
		return types.NewError(types.ErrInvalidAmount, "jackpot needs a tenant and a name")
	case jp.StartAmount.IsNegative():
		return types.NewError(types.ErrInvalidAmount, "start amount must not be negative")
	case jp.CurrentAmount.LessThan(jp.StartAmount):
		return types.NewError(types.ErrInvalidAmount, "current amount must not be below start amount")
	case jp.ContributionPercent.IsNegative() || jp.ContributionPercent.GreaterThan(one):
		return types.NewError(types.ErrInvalidAmount, "contribution percent must be within [0, 1]")
	case jp.WinProbability.IsNegative() || jp.WinProbability.GreaterThan(one):
		return types.NewError(types.ErrInvalidAmount, "win probability must be within [0, 1]")
	}
	return nil
}

func scanJackpots(rows *sql.Rows) ([]models.Jackpot, error) {
	var jackpots []models.Jackpot
	for rows.Next() {
		var jp models.Jackpot
		if err := rows.Scan(&jp.ID, &jp.TenantID, &jp.Name, &jp.CurrentAmount, &jp.StartAmount,
			&jp.ContributionPercent, &jp.WinProbability, &jp.IsActive, &jp.UpdatedAt); err != nil {
			return nil, types.FromDB("scan jackpot", err)
		}
		jackpots = append(jackpots, jp)
	}
	if err := rows.Err(); err != nil {
		return nil, types.FromDB("scan jackpot", err)
	}
	return jackpots, nil
}

func jackpotCacheKey(tenantID int64) string {
	return fmt.Sprintf("jackpot:tenant:%d", tenantID)
}
