package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Task lifecycle (C4).

var TasksCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "tasks",
		Name:      "created_total",
		Help:      "Total number of tasks created.",
	},
)

var TasksCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Total number of tasks that reached a terminal state, by outcome.",
	},
	[]string{"status"}, // completed | failed
)

var TasksReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "tasks",
		Name:      "reclaimed_total",
		Help:      "Total number of tasks force-failed by the stale task reclaimer.",
	},
)

var ImageProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "imgrelay",
		Subsystem: "images",
		Name:      "processing_duration_seconds",
		Help:      "Per-image translation duration in seconds.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	},
	[]string{"outcome"}, // completed | failed
)

// Key rotator (C3).

var CredentialSelectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "credentials",
		Name:      "selections_total",
		Help:      "Total number of credential selections by credential id.",
	},
	[]string{"credential_id"},
)

var CredentialDisabledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "credentials",
		Name:      "disabled_total",
		Help:      "Total number of times a credential crossed a limit and was disabled, by limit dimension.",
	},
	[]string{"credential_id", "dimension"}, // RPM | RPD | TPM
)

var CredentialsAvailable = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "imgrelay",
		Subsystem: "credentials",
		Name:      "available",
		Help:      "Number of credentials currently eligible for selection.",
	},
)

// Worker pool / cluster scaler (C6).

var ClusterWorkersGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "imgrelay",
		Subsystem: "cluster",
		Name:      "workers",
		Help:      "Number of workers running on this instance.",
	},
)

var ScalingDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "imgrelay",
		Subsystem: "cluster",
		Name:      "scaling_decisions_total",
		Help:      "Total number of scaling decisions written by this instance as leader, by action.",
	},
	[]string{"action"}, // scale_up | scale_down | none
)

var QueueDepthGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "imgrelay",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending task count observed at the last scaling tick.",
	},
)

// All returns every imgrelay-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TasksCreatedTotal,
		TasksCompletedTotal,
		TasksReclaimedTotal,
		ImageProcessingDuration,
		CredentialSelectionsTotal,
		CredentialDisabledTotal,
		CredentialsAvailable,
		ClusterWorkersGauge,
		ScalingDecisionsTotal,
		QueueDepthGauge,
	}
}
