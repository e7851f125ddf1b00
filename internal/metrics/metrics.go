package metrics

import (
	"time"

	"github.com/betledger/settlement/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_operations_total",
			Help: "Total number of settlement engine operations by outcome code",
		},
		[]string{"operation", "code"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_operation_duration_seconds",
			Help:    "Duration of settlement engine operations",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	JackpotWins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_jackpot_wins_total",
			Help: "Total number of progressive jackpot payouts",
		},
		[]string{"tenant_id"},
	)

	CompensationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_withdrawal_compensations_total",
			Help: "Total number of withdrawals credited back after a payment rail failure",
		},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_event_publish_errors_total",
			Help: "Total number of settlement event publish errors",
		},
	)
)

// Observe records the duration and outcome code of one engine operation.
func Observe(operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	code := "OK"
	if err != nil {
		code = string(types.CodeOf(err))
	}
	OperationsTotal.WithLabelValues(operation, code).Inc()
}
