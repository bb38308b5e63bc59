package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// opsTotal counts ledger operations by type.
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscenter",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// opDuration observes operation latency by type.
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opscenter",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// insufficientTotal counts debit rejections for insufficient credits.
	insufficientTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opscenter",
			Name:      "ledger_insufficient_funds_total",
			Help:      "Debits rejected for insufficient credits.",
		},
	)

	// accountsProvisioned counts lazily created trial accounts.
	accountsProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opscenter",
			Name:      "ledger_accounts_provisioned_total",
			Help:      "Accounts lazily created with the trial grant.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		opsTotal,
		opDuration,
		insufficientTotal,
		accountsProvisioned,
	)
}

// observeOp increments the operation counter and returns a function to
// observe duration.
func observeOp(opType string) func() {
	opsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
