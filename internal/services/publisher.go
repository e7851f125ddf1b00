package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/betledger/settlement/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// EventsChannel is the Redis channel settlement outcomes are published on.
const EventsChannel = "settlement_events"

const (
	EventWagerPlaced           = "wager.placed"
	EventWagerCancelled        = "wager.cancelled"
	EventJackpotWon            = "jackpot.won"
	EventPayoutCredited        = "payout.credited"
	EventWithdrawalCompleted   = "withdrawal.completed"
	EventWithdrawalCompensated = "withdrawal.compensated"
)

type SettlementEvent struct {
	Type        string                 `json:"type"`
	UserID      int64                  `json:"user_id"`
	TenantID    int64                  `json:"tenant_id"`
	BetID       int64                  `json:"bet_id,omitempty"`
	OperationID string                 `json:"operation_id,omitempty"`
	Amount      decimal.Decimal        `json:"amount"`
	Jackpot     *models.JackpotOutcome `json:"jackpot,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// EventPublisher delivers committed settlement outcomes to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event SettlementEvent) error
}

type RedisEventPublisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewEventPublisher returns a Redis publisher, or a no-op one when Redis is
// not configured.
func NewEventPublisher(client *redis.Client) EventPublisher {
	if client == nil {
		return NopPublisher{}
	}
	return &RedisEventPublisher{client: client, channel: EventsChannel, now: time.Now}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, event SettlementEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, string(payload)).Err()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, SettlementEvent) error { return nil }
