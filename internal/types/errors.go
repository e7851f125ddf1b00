package types

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrorCode identifies a specific rejection reason.
type ErrorCode string

const (
	// Validation errors
	ErrInvalidAmount ErrorCode = "INVALID_AMOUNT"

	// Lookup errors
	ErrWalletNotFound ErrorCode = "WALLET_NOT_FOUND"
	ErrBetNotFound    ErrorCode = "BET_NOT_FOUND"

	// Ledger rule errors
	ErrInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrLimitExceeded     ErrorCode = "LIMIT_EXCEEDED"
	ErrAlreadySettled    ErrorCode = "ALREADY_SETTLED"
	ErrJackpotInactive   ErrorCode = "JACKPOT_INACTIVE"

	// Retryable / external errors
	ErrBusy                   ErrorCode = "BUSY"
	ErrExternalPaymentFailure ErrorCode = "EXTERNAL_PAYMENT_FAILURE"

	// System errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// LimitType names the responsible-gaming limit that was breached.
type LimitType string

const (
	LimitDailyBet   LimitType = "daily_bet"
	LimitMonthlyBet LimitType = "monthly_bet"
	LimitDailyLoss  LimitType = "daily_loss"
)

// SettlementError is the error type returned by every engine operation.
type SettlementError struct {
	Code    ErrorCode
	Message string
	Limit   LimitType // set only for ErrLimitExceeded
	Err     error     // underlying error, if any
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Limit != "" {
		msg = fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.Limit)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request.
func (e *SettlementError) Retryable() bool {
	return e.Code == ErrBusy
}

func NewError(code ErrorCode, message string) *SettlementError {
	return &SettlementError{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, err error) *SettlementError {
	return &SettlementError{Code: code, Message: message, Err: err}
}

// LimitExceeded builds the rejection for a breached responsible-gaming limit.
func LimitExceeded(limit LimitType, message string) *SettlementError {
	return &SettlementError{Code: ErrLimitExceeded, Message: message, Limit: limit}
}

// IsCode checks if err is a SettlementError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrInternal
}

// Postgres SQLSTATEs that mean "someone else holds the row, try again".
const (
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
	pqQueryCanceled        = "57014"
)

// FromDB classifies a database error. Lock waits and deadlocks become a
// retryable ErrBusy, SettlementErrors pass through, everything else is
// wrapped as ErrInternal.
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SettlementError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrBusy, op+": timed out waiting for lock", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqDeadlockDetected, pqSerializationFailure, pqQueryCanceled:
			return WrapError(ErrBusy, op+": row is busy, retry", err)
		}
	}
	return WrapError(ErrInternal, op+" failed", err)
}
