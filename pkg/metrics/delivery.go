package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts single-record delivery attempts
	// outcome: delivered, rejected, unavailable, unreachable, timeout
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_sends_total",
		Help: "Delivery attempts by outcome and event type",
	}, []string{"outcome", "event_type"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_send_duration_seconds",
		Help:    "Duration of single-record delivery attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	// SenderHealthy is 1 while the broker link (AMQP sender) is up
	SenderHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_sender_healthy",
		Help: "Health of the broker link used for delivery (1 healthy, 0 down)",
	})
)
