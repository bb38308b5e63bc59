package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Balance cache hits",
	})

	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Balance cache misses",
	})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Balance cache entries dropped after writes",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Balance cache operations that failed and were swallowed",
	}, []string{"op"})
)
