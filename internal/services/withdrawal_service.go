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
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const operationColumns = `operation_id, user_id, tenant_id, wallet_id, amount, tax_withheld, net_amount, currency,
	status, attempts, last_error, created_at, updated_at`

type WithdrawalRequest struct {
	UserID      int64
	TenantID    int64
	Amount      decimal.Decimal
	OperationID string
}

// WithdrawalService moves cash out of the ledger through the payment rail.
// The debit and a pending payout_operations row commit together; the rail
// is called afterwards. Only a definite rejection is undone by a compensating
// credit. An unknown outcome stays pending and is re-sent under the same
// operation id.
type WithdrawalService struct {
	db        *sql.DB
	wallets   *WalletStore
	gateway   PaymentGateway
	publisher EventPublisher
	audit     *audit.AuditLogger
	cfg       *config.SettlementConfig
	log       *logrus.Entry
	now       func() time.Time
}

func NewWithdrawalService(db *sql.DB, wallets *WalletStore, gateway PaymentGateway, publisher EventPublisher, cfg *config.SettlementConfig) *WithdrawalService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &WithdrawalService{
		db:        db,
		wallets:   wallets,
		gateway:   gateway,
		publisher: publisher,
		audit:     audit.NewAuditLogger(logrus.StandardLogger()),
		cfg:       cfg,
		log:       logrus.WithField("component", "withdrawal_service"),
		now:       time.Now,
	}
}

// Withdraw debits the cash wallet and pays the amount net of tax out through
// the gateway. Replaying an operation id returns the stored operation.
func (w *WithdrawalService) Withdraw(ctx context.Context, req WithdrawalRequest) (op *models.PayoutOperation, err error) {
	start := time.Now()
	defer func() { metrics.Observe("withdraw", start, err) }()

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}

	existing, err := w.getOperation(ctx, w.db, req.OperationID, false)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, types.FromDB("find operation", err)
	}
	if existing != nil {
		if existing.UserID != req.UserID {
			return nil, types.NewError(types.ErrAlreadySettled, "operation id already used")
		}
		w.log.WithField("operation_id", req.OperationID).Info("Duplicate withdrawal detected")
		return existing, nil
	}

	op, err = w.debitAndRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := w.attempt(ctx, op); err != nil {
		w.audit.LogError(op.OperationID, op.UserID, err)
		op.Attempts++
		op.LastError = err.Error()
		if !IsPayoutRejected(err) {
			w.log.WithError(err).WithField("operation_id", op.OperationID).Warn("Payout outcome unknown, left pending for retry")
			return op, nil
		}

		compensated, compErr := w.Compensate(ctx, op.OperationID, err.Error())
		if compErr != nil {
			// Still pending; the outbox re-sends it and compensates on the next rejection.
			w.log.WithError(compErr).WithField("operation_id", op.OperationID).Error("Compensation failed")
			return nil, types.WrapError(types.ErrExternalPaymentFailure, "payout failed and compensation is pending", err)
		}
		w.log.WithField("operation_id", compensated.OperationID).Warn("Payout failed, withdrawal compensated")
		return nil, types.WrapError(types.ErrExternalPaymentFailure, "payout failed, funds returned to wallet", err)
	}

	op.Status = models.OperationCompleted
	op.Attempts++
	return op, nil
}

func (w *WithdrawalService) debitAndRecord(ctx context.Context, req WithdrawalRequest) (*models.PayoutOperation, error) {
	tx, err := database.BeginTx(ctx, w.db, w.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("begin withdrawal", err)
	}
	defer tx.Rollback()

	cash, err := w.wallets.lockWalletByKind(ctx, tx, req.UserID, req.TenantID, models.FundCash)
	if err != nil {
		return nil, err
	}
	// Cashing out is not play, so responsible-gaming limits do not apply.
	if err := w.wallets.debitLocked(ctx, tx, cash, req.Amount); err != nil {
		return nil, err
	}

	tax := req.Amount.Mul(w.cfg.WithdrawalTaxPct).Div(hundred).Round(2)
	now := w.now()
	op := &models.PayoutOperation{
		OperationID: req.OperationID,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		WalletID:    cash.ID,
		Amount:      req.Amount,
		TaxWithheld: tax,
		NetAmount:   req.Amount.Sub(tax),
		Currency:    w.cfg.Currency,
		Status:      models.OperationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payout_operations (operation_id, user_id, tenant_id, wallet_id, amount, tax_withheld,
			net_amount, currency, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)`,
		op.OperationID, op.UserID, op.TenantID, op.WalletID, op.Amount, op.TaxWithheld,
		op.NetAmount, op.Currency, string(op.Status), now); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, types.WrapError(types.ErrBusy, "operation is already in progress", err)
		}
		return nil, types.FromDB("record withdrawal", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("commit withdrawal", err)
	}

	w.log.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"user_id":      op.UserID,
		"amount":       op.Amount.StringFixed(2),
		"tax":          op.TaxWithheld.StringFixed(2),
	}).Info("Withdrawal debited")
	return op, nil
}

// attempt calls the rail once and marks the operation completed on success.
func (w *WithdrawalService) attempt(ctx context.Context, op *models.PayoutOperation) error {
	err := w.gateway.Payout(ctx, PayoutInstruction{
		OperationID: op.OperationID,
		UserID:      op.UserID,
		Amount:      op.NetAmount,
		Currency:    op.Currency,
	})
	if err != nil {
		if _, recErr := w.db.ExecContext(ctx, `
			UPDATE payout_operations
			SET attempts = attempts + 1, last_error = $1, updated_at = $2
			WHERE operation_id = $3 AND status = 'pending'`,
			err.Error(), w.now(), op.OperationID); recErr != nil {
			w.log.WithError(recErr).WithField("operation_id", op.OperationID).Warn("Failed to record payout attempt")
		}
		return err
	}

	if _, err := w.db.ExecContext(ctx, `
		UPDATE payout_operations
		SET status = 'completed', attempts = attempts + 1, last_error = '', updated_at = $1
		WHERE operation_id = $2 AND status = 'pending'`,
		w.now(), op.OperationID); err != nil {
		// The rail accepted the payout; a retry is idempotent on the operation id.
		w.log.WithError(err).WithField("operation_id", op.OperationID).Error("Failed to mark payout completed")
		return nil
	}

	w.audit.LogOperation(op.OperationID, op.UserID, "WITHDRAWAL", op.Amount, "SUCCESS")
	w.publish(ctx, SettlementEvent{
		Type:        EventWithdrawalCompleted,
		UserID:      op.UserID,
		TenantID:    op.TenantID,
		OperationID: op.OperationID,
		Amount:      op.NetAmount,
	})
	return nil
}

// Compensate credits a pending operation's amount back to its wallet and
// marks it compensated. Operations that are no longer pending are returned
// unchanged, so calling it twice credits once.
func (w *WithdrawalService) Compensate(ctx context.Context, operationID, reason string) (*models.PayoutOperation, error) {
	tx, err := database.BeginTx(ctx, w.db, w.cfg.LockTimeout)
	if err != nil {
		return nil, types.FromDB("begin compensation", err)
	}
	defer tx.Rollback()

	op, err := w.getOperation(ctx, tx, operationID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.ErrInternal, fmt.Sprintf("operation %s not found", operationID))
	}
	if err != nil {
		return nil, types.FromDB("lock operation", err)
	}
	if op.Status != models.OperationPending {
		return op, nil
	}

	if _, err := w.wallets.CreditTx(ctx, tx, op.WalletID, op.Amount); err != nil {
		return nil, err
	}
	now := w.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE payout_operations
		SET status = 'compensated', last_error = $1, updated_at = $2
		WHERE operation_id = $3`, reason, now, operationID); err != nil {
		return nil, types.FromDB("compensate operation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.FromDB("commit compensation", err)
	}
	op.Status = models.OperationCompensated
	op.LastError = reason
	op.UpdatedAt = now

	metrics.CompensationsTotal.Inc()
	w.audit.LogOperation(op.OperationID, op.UserID, "WITHDRAWAL_COMPENSATION", op.Amount, "SUCCESS")
	w.publish(ctx, SettlementEvent{
		Type:        EventWithdrawalCompensated,
		UserID:      op.UserID,
		TenantID:    op.TenantID,
		OperationID: op.OperationID,
		Amount:      op.Amount,
	})
	return op, nil
}

// RetryPending re-drives operations left pending longer than the retry
// window. Operations that ran out of attempts are compensated.
func (w *WithdrawalService) RetryPending(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.OutboxRetryAfter)
	rows, err := w.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM payout_operations
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, w.cfg.OutboxBatchSize)
	if err != nil {
		return 0, types.FromDB("scan pending operations", err)
	}

	var pending []*models.PayoutOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return 0, types.FromDB("scan pending operations", err)
		}
		pending = append(pending, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, types.FromDB("scan pending operations", err)
	}

	processed := 0
	for _, op := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		logger := w.log.WithFields(logrus.Fields{"operation_id": op.OperationID, "attempts": op.Attempts})

		if op.Attempts >= w.cfg.OutboxMaxAttempts {
			if _, err := w.Compensate(ctx, op.OperationID, "max payout attempts reached"); err != nil {
				logger.WithError(err).Error("Compensation failed")
				continue
			}
			logger.Warn("Payout abandoned, withdrawal compensated")
			processed++
			continue
		}

		if err := w.attempt(ctx, op); err != nil {
			if !IsPayoutRejected(err) {
				logger.WithError(err).Warn("Payout retry failed")
				continue
			}
			if _, err := w.Compensate(ctx, op.OperationID, err.Error()); err != nil {
				logger.WithError(err).Error("Compensation failed")
				continue
			}
			logger.Warn("Payout rejected, withdrawal compensated")
			processed++
			continue
		}
		logger.Info("Payout retry succeeded")
		processed++
	}
	return processed, nil
}

func (w *WithdrawalService) getOperation(ctx context.Context, q database.Querier, operationID string, forUpdate bool) (*models.PayoutOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM payout_operations WHERE operation_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanOperation(q.QueryRowContext(ctx, query, operationID))
}

func (w *WithdrawalService) publish(ctx context.Context, event SettlementEvent) {
	if err := w.publisher.Publish(ctx, event); err != nil {
		metrics.PublishErrors.Inc()
		w.log.WithError(err).WithField("event", event.Type).Warn("Failed to publish settlement event")
	}
}

func scanOperation(row rowScanner) (*models.PayoutOperation, error) {
	var op models.PayoutOperation
	var status string
	if err := row.Scan(&op.OperationID, &op.UserID, &op.TenantID, &op.WalletID, &op.Amount, &op.TaxWithheld,
		&op.NetAmount, &op.Currency, &status, &op.Attempts, &op.LastError, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.Status = models.OperationStatus(status)
	return &op, nil
}
