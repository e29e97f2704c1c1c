package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heartline",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// TurnsRejected counts conditional updates that changed zero rows.
	TurnsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Name:      "ledger_turns_rejected_total",
			Help:      "Turns rejected by the conditional update (rate limit, zero hearts, or lost race).",
		},
	)
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, TurnsRejected)
}

// observeOp records one ledger operation and returns a func that
// observes its duration when called.
func observeOp(opType string) func() {
	start := time.Now()
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
