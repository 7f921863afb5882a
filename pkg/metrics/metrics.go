// Package metrics holds the Prometheus collectors of the connection and queue
// layers. Labels never carry session or job ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts supervisor state transitions by target state.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_session_transitions_total",
		Help: "Total number of session state transitions, by target state.",
	}, []string{"state"})

	// SessionReconnects counts scheduled reconnections by close reason.
	SessionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_session_reconnects_total",
		Help: "Total number of scheduled reconnections, by close reason.",
	}, []string{"reason"})

	// SessionsLive tracks sessions currently held by the registry.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "azinbox_sessions_live",
		Help: "Current number of sessions in the registry.",
	})

	// JobsEnqueued counts jobs accepted per queue.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_jobs_enqueued_total",
		Help: "Total number of enqueued jobs, by queue.",
	}, []string{"queue"})

	// JobsFinished counts terminal jobs per queue and outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_jobs_finished_total",
		Help: "Total number of finished jobs, by queue and outcome (completed/failed).",
	}, []string{"queue", "outcome"})

	// JobDuration observes handler run time per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "azinbox_job_duration_seconds",
		Help:    "Job handler duration, by queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// JobsPurged counts terminal jobs removed by retention cleanup.
	JobsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_jobs_purged_total",
		Help: "Total number of jobs removed by retention cleanup, by queue.",
	}, []string{"queue"})

	// ReconcilerPasses counts reconciler passes by kind and result.
	ReconcilerPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_reconciler_passes_total",
		Help: "Total number of reconciler passes, by kind (schedule/campaign) and result (ok/error/skipped).",
	}, []string{"kind", "result"})

	// ReconcilerEnqueued counts items re-enqueued by the reconciler.
	ReconcilerEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_reconciler_enqueued_total",
		Help: "Total number of items enqueued by the reconciler, by kind.",
	}, []string{"kind"})

	// RealtimePublished counts realtime events per delivery path.
	RealtimePublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "azinbox_realtime_published_total",
		Help: "Total number of realtime events, by path (local/broker) and result (ok/dropped/error).",
	}, []string{"path", "result"})
)
