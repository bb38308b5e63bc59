package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "payments",
		Name:      "purchases_total",
		Help:      "Credit purchase lifecycle events by outcome",
	}, []string{"outcome"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opscenter",
		Subsystem: "payments",
		Name:      "webhooks_total",
		Help:      "Stripe webhook deliveries by result",
	}, []string{"result"})
)
