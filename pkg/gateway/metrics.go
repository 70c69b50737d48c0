package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuedMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgbridge_gateway_queued_messages",
			Help: "Admitted messages waiting in delivery lanes.",
		},
	)
	sinkHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgbridge_gateway_sink_healthy",
			Help: "1 when the last outbound sink health check succeeded.",
		},
	)
)
