package orgpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "orgpool",
		Name:      "operations_total",
		Help:      "Total org pool operations by type",
	}, []string{"type"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opscenter",
		Subsystem: "orgpool",
		Name:      "operation_duration_seconds",
		Help:      "Org pool operation latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"type"})

	insufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "orgpool",
		Name:      "insufficient_credits_total",
		Help:      "Allocations or debits rejected for insufficient pool credits",
	})

	resetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "orgpool",
		Name:      "allocation_resets_total",
		Help:      "Member allocations reset on schedule",
	})

	refreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "orgpool",
		Name:      "pool_refreshes_total",
		Help:      "Monthly pool refreshes applied",
	})
)

// observeOp records one operation and returns a func that observes its
// duration when called.
func observeOp(opType string) func() {
	start := time.Now()
	opsTotal.WithLabelValues(opType).Inc()
	return func() {
		opDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
