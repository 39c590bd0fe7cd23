package telemetry

import "github.com/prometheus/client_golang/prometheus"

var StepsDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "scheduler",
		Name:      "steps_dispatched_total",
		Help:      "Total number of sequence steps dispatched by channel.",
	},
	[]string{"channel"},
)

var StepsDeferredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "scheduler",
		Name:      "steps_deferred_total",
		Help:      "Total number of steps deferred by the business-hours or compliance gate.",
	},
	[]string{"reason"},
)

var SchedulerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "cadence",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler tick duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

var UmbrellaAcquisitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "umbrella",
		Name:      "acquisitions_total",
		Help:      "Total number of umbrella slot acquisition attempts by outcome.",
	},
	[]string{"outcome"},
)

var MutationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "mutation",
		Name:      "total",
		Help:      "Total number of content mutations by outcome (applied, mutation_discarded_low_confidence, mutation_discarded_invalid, mutation_failed).",
	},
	[]string{"outcome"},
)

var EventsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Total number of provider events processed by type.",
	},
	[]string{"type"},
)

var HealingActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "healing",
		Name:      "actions_total",
		Help:      "Total number of self-healing decisions by action.",
	},
	[]string{"action"},
)

var CallsInitiatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "voice",
		Name:      "calls_initiated_total",
		Help:      "Total number of outbound calls by result.",
	},
	[]string{"result"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cadence",
		Subsystem: "jobbus",
		Name:      "queue_depth",
		Help:      "Current number of ready plus delayed jobs per queue.",
	},
	[]string{"queue"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cadence",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"method", "path", "status"},
)

var WebhooksReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cadence",
		Subsystem: "webhooks",
		Name:      "received_total",
		Help:      "Total number of webhook deliveries received by endpoint.",
	},
	[]string{"endpoint"},
)

// All returns all Cadence-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		StepsDispatchedTotal,
		StepsDeferredTotal,
		SchedulerTickDuration,
		UmbrellaAcquisitionsTotal,
		MutationsTotal,
		EventsProcessedTotal,
		HealingActionsTotal,
		CallsInitiatedTotal,
		QueueDepth,
		HTTPRequestDuration,
		WebhooksReceivedTotal,
	}
}

// NewMetricsRegistry creates a prometheus registry holding only the given
// application collectors; no Go runtime or process collectors are added.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	return reg
}
