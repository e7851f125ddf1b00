package audit

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type AuditEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Reference string          `json:"reference"`
	UserID    int64           `json:"user_id"`
	TenantID  int64           `json:"tenant_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Details   map[string]any  `json:"details,omitempty"`
}

// AuditLogger writes ledger-affecting events as structured AUDIT lines.
type AuditLogger struct {
	log logrus.FieldLogger
	now func() time.Time
}

func NewAuditLogger(log logrus.FieldLogger) *AuditLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditLogger{log: log, now: time.Now}
}

func (a *AuditLogger) LogWager(reference string, userID, tenantID int64, amount decimal.Decimal, details map[string]any) {
	a.write(AuditEvent{
		EventType: "WAGER",
		Reference: reference,
		UserID:    userID,
		TenantID:  tenantID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   details,
	})
}

func (a *AuditLogger) LogPayout(reference string, userID, tenantID int64, amount decimal.Decimal, details map[string]any) {
	a.write(AuditEvent{
		EventType: "PAYOUT",
		Reference: reference,
		UserID:    userID,
		TenantID:  tenantID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   details,
	})
}

func (a *AuditLogger) LogError(reference string, userID int64, err error) {
	a.write(AuditEvent{
		EventType: "ERROR",
		Reference: reference,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]any{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(reference string, userID int64, operation string, amount decimal.Decimal, status string) {
	a.write(AuditEvent{
		EventType: operation,
		Reference: reference,
		UserID:    userID,
		Amount:    amount,
		Status:    status,
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	event.Timestamp = a.now()
	a.log.WithFields(logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"reference":  event.Reference,
		"user_id":    event.UserID,
		"tenant_id":  event.TenantID,
		"amount":     event.Amount.StringFixed(2),
		"status":     event.Status,
		"details":    event.Details,
		"at":         event.Timestamp,
	}).Info("AUDIT")
}
