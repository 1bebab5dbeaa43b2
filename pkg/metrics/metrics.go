package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks records waiting on the device (pending + in flight)
	// This is the primary indicator of how far behind the field client is
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_queue_depth",
		Help: "Current number of records waiting in the outbox",
	})

	// EnqueuedTotal counts reports accepted from operators, by category
	EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_enqueued_total",
		Help: "Total number of records accepted into the outbox",
	}, []string{"event_type"})

	// CyclesTotal counts drain cycles by result (success/partial/failure)
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_cycles_total",
		Help: "Total number of drain cycles by result",
	}, []string{"result"})

	// CycleDuration measures a whole drain cycle
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_cycle_duration_seconds",
		Help:    "Duration of drain cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OnlineStatus provides a binary 0/1 signal for network availability as seen by the device
	OnlineStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_online",
		Help: "Network availability as last observed (1 online, 0 offline)",
	})

	// StuckRecords counts records the ingestion service keeps rejecting
	// If this number grows, a human has to look at the payloads
	StuckRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_stuck_records",
		Help: "Queued records rejected by the ingestion service at least REJECT_ALERT_THRESHOLD times",
	})
)
