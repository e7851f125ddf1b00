package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// SettlementConfig holds the tunables of the wallet and settlement engine.
type SettlementConfig struct {
	PromoCapPercent     decimal.Decimal // share of a wager bonus+points may cover
	LoyaltyPercent      decimal.Decimal // points accrued per unit wagered
	PointsPerCashUnit   decimal.Decimal // points debited per 1.00 of cash equivalent
	SignupBonus         decimal.Decimal
	JackpotThreshold    decimal.Decimal // cash portion must exceed this to roll
	JackpotCacheTTL     time.Duration
	LockTimeout         time.Duration
	WithdrawalTaxPct    decimal.Decimal
	Currency            string
	OutboxInterval      time.Duration
	OutboxRetryAfter    time.Duration
	OutboxMaxAttempts   int
	OutboxBatchSize     int
	PaymentGatewayURL   string
	PaymentGatewayToken string
}

func setSettlementDefaults() {
	viper.SetDefault("settlement.promo_cap_percent", "20")
	viper.SetDefault("settlement.loyalty_percent", "10")
	viper.SetDefault("settlement.points_per_cash_unit", "1")
	viper.SetDefault("settlement.signup_bonus", "200.00")
	viper.SetDefault("settlement.currency", "USD")
	viper.SetDefault("jackpot.qualifying_threshold", "100")
	viper.SetDefault("jackpot.cache_ttl", 5*time.Second)
	viper.SetDefault("database.lock_timeout", 5*time.Second)
	viper.SetDefault("withdrawal.tax_percent", "0")
	viper.SetDefault("outbox.interval", 15*time.Second)
	viper.SetDefault("outbox.retry_after", time.Minute)
	viper.SetDefault("outbox.max_attempts", 5)
	viper.SetDefault("outbox.batch_size", 50)
	viper.SetDefault("payment.gateway_url", "")
	viper.SetDefault("payment.gateway_token", "")
}

// BindEnv maps the settlement keys onto their environment variable names.
func BindEnv() {
	viper.BindEnv("settlement.promo_cap_percent", "SETTLEMENT_PROMO_CAP_PERCENT")
	viper.BindEnv("settlement.loyalty_percent", "SETTLEMENT_LOYALTY_PERCENT")
	viper.BindEnv("settlement.points_per_cash_unit", "SETTLEMENT_POINTS_PER_CASH_UNIT")
	viper.BindEnv("settlement.signup_bonus", "SETTLEMENT_SIGNUP_BONUS")
	viper.BindEnv("settlement.currency", "SETTLEMENT_CURRENCY")
	viper.BindEnv("jackpot.qualifying_threshold", "JACKPOT_QUALIFYING_THRESHOLD")
	viper.BindEnv("jackpot.cache_ttl", "JACKPOT_CACHE_TTL")
	viper.BindEnv("database.lock_timeout", "DATABASE_LOCK_TIMEOUT")
	viper.BindEnv("withdrawal.tax_percent", "WITHDRAWAL_TAX_PERCENT")
	viper.BindEnv("outbox.interval", "OUTBOX_INTERVAL")
	viper.BindEnv("outbox.retry_after", "OUTBOX_RETRY_AFTER")
	viper.BindEnv("outbox.max_attempts", "OUTBOX_MAX_ATTEMPTS")
	viper.BindEnv("outbox.batch_size", "OUTBOX_BATCH_SIZE")
	viper.BindEnv("payment.gateway_url", "PAYMENT_GATEWAY_URL")
	viper.BindEnv("payment.gateway_token", "PAYMENT_GATEWAY_TOKEN")
}

func LoadSettlementConfig() *SettlementConfig {
	setSettlementDefaults()
	defaults := DefaultSettlementConfig()

	return &SettlementConfig{
		PromoCapPercent:     getDecimal("settlement.promo_cap_percent", defaults.PromoCapPercent),
		LoyaltyPercent:      getDecimal("settlement.loyalty_percent", defaults.LoyaltyPercent),
		PointsPerCashUnit:   getDecimal("settlement.points_per_cash_unit", defaults.PointsPerCashUnit),
		SignupBonus:         getDecimal("settlement.signup_bonus", defaults.SignupBonus),
		JackpotThreshold:    getDecimal("jackpot.qualifying_threshold", defaults.JackpotThreshold),
		JackpotCacheTTL:     viper.GetDuration("jackpot.cache_ttl"),
		LockTimeout:         viper.GetDuration("database.lock_timeout"),
		WithdrawalTaxPct:    getDecimal("withdrawal.tax_percent", defaults.WithdrawalTaxPct),
		Currency:            viper.GetString("settlement.currency"),
		OutboxInterval:      viper.GetDuration("outbox.interval"),
		OutboxRetryAfter:    viper.GetDuration("outbox.retry_after"),
		OutboxMaxAttempts:   viper.GetInt("outbox.max_attempts"),
		OutboxBatchSize:     viper.GetInt("outbox.batch_size"),
		PaymentGatewayURL:   viper.GetString("payment.gateway_url"),
		PaymentGatewayToken: viper.GetString("payment.gateway_token"),
	}
}

// DefaultSettlementConfig returns the built-in defaults without reading viper.
func DefaultSettlementConfig() *SettlementConfig {
	return &SettlementConfig{
		PromoCapPercent:   decimal.NewFromInt(20),
		LoyaltyPercent:    decimal.NewFromInt(10),
		PointsPerCashUnit: decimal.NewFromInt(1),
		SignupBonus:       decimal.RequireFromString("200.00"),
		JackpotThreshold:  decimal.NewFromInt(100),
		JackpotCacheTTL:   5 * time.Second,
		LockTimeout:       5 * time.Second,
		WithdrawalTaxPct:  decimal.Zero,
		Currency:          "USD",
		OutboxInterval:    15 * time.Second,
		OutboxRetryAfter:  time.Minute,
		OutboxMaxAttempts: 5,
		OutboxBatchSize:   50,
	}
}

// getDecimal reads a non-negative decimal, falling back to def with a warning
// when the configured value is unusable.
func getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	raw := viper.GetString(key)
	d, err := decimal.NewFromString(raw)
	if err == nil && d.IsNegative() {
		err = fmt.Errorf("negative value")
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"key":     key,
			"value":   raw,
			"default": def.String(),
		}).Warn("Invalid decimal setting, using default")
		return def
	}
	return d
}
