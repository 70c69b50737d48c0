package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbridge_relay_messages_total",
			Help: "Inbound messages handled by the relay, by outcome.",
		},
		[]string{"outcome"},
	)
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbridge_dispatch_attempts_total",
			Help: "Outbound sink calls by status.",
		},
		[]string{"status"},
	)
	dispatchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgbridge_dispatch_retries_total",
			Help: "Outbound sink calls that were retries of a failed attempt.",
		},
	)
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgbridge_dispatch_duration_seconds",
			Help:    "Duration of single outbound sink calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
)
