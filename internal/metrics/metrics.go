package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingestion outcomes (created, edited, duplicate, blocked, dropped)
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total ingested events by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AckTotal counts delivery acks by result
	AckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "ingest",
			Name:      "acks_total",
			Help:      "Total delivery acks by result",
		},
		[]string{"result"},
	)

	// DispatchAttempts counts gateway calls by slug and status
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Total outbound gateway attempts",
		},
		[]string{"slug", "status"},
	)

	// DispatchDuration observes a single gateway call
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wa_relay",
			Subsystem: "dispatch",
			Name:      "attempt_duration_seconds",
			Help:      "Gateway call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 10},
		},
		[]string{"slug"},
	)

	// SendTotal counts send requests by path and result
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Total send requests by path and result",
		},
		[]string{"path", "result"},
	)

	// RateLimitRejections counts limiter rejections per scope
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total sends rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	// ThreadsArchived counts threads closed by the inactivity sweep
	ThreadsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "threads",
			Name:      "archived_total",
			Help:      "Total threads closed for inactivity",
		},
	)
)
