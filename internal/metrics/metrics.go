// Package metrics provides Prometheus counters for the ingestion and
// evaluation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iotguard"

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Telemetry events accepted for processing",
		},
		[]string{"source"},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_deduplicated_total",
			Help:      "Events dropped at enqueue because their idempotency key was already seen",
		},
	)

	SamplesDroppedOutOfOrder = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "samples_dropped_out_of_order_total",
			Help:      "Samples rejected because they were older than the evaluator's last-seen timestamp",
		},
	)

	AlertsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "alerts_fired_total",
			Help:      "Breach alerts written to the notification outbox",
		},
	)

	Recoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "recoveries_total",
			Help:      "Breach runs that ended after having fired",
		},
	)

	JobsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Job attempts that failed and were scheduled for retry",
		},
	)

	// JobsDeadLettered is the one counter that requires operator
	// attention; everything else self-heals.
	JobsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs that exhausted all retry attempts",
		},
	)

	NotificationsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "notifications_consumed_total",
			Help:      "Outbox rows claimed by the delivery dispatcher",
		},
	)
)
