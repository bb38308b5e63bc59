package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "metering",
		Name:      "forwarded_total",
		Help:      "Usage events delivered to the metering sink",
	})

	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "metering",
		Name:      "failed_total",
		Help:      "Usage event deliveries that failed and were abandoned",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "metering",
		Name:      "dropped_total",
		Help:      "Usage events dropped without an attempt while the circuit was open",
	})
)
