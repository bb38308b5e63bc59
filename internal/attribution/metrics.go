package attribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "attribution",
		Name:      "records_total",
		Help:      "Usage attribution events appended",
	})

	recordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "attribution",
		Name:      "record_failures_total",
		Help:      "Usage attribution appends that failed and were dropped",
	})
)
