package whatsapp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgbridge_whatsapp_requests_total",
			Help: "WhatsApp Cloud API send requests by message type and result.",
		},
		[]string{"type", "result"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgbridge_whatsapp_request_duration_seconds",
			Help:    "Duration of WhatsApp Cloud API send requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
