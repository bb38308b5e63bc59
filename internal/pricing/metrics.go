package pricing

import "github.com/prometheus/client_golang/prometheus"

var (
	// fallbacksTotal counts pricing lookups that resolved to a default
	// instead of a configured value, by reason.
	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opscenter",
			Name:      "pricing_fallback_total",
			Help:      "Pricing lookups resolved via fallback, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(fallbacksTotal)
}
