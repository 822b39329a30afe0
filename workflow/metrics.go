package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "recruitsync"

var (
	syncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_jobs_total",
		Help:      "History sync jobs by event kind and result.",
	}, []string{"kind", "result"})

	syncJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sync_job_duration_seconds",
		Help:      "Wall time of a history sync job including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	syncRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_retries_total",
		Help:      "Retried history sync attempts.",
	}, []string{"kind"})

	dispatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "dispatcher_queued_events",
		Help:      "Events waiting in per-recruitment dispatcher queues.",
	})

	deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "dead_letters_total",
		Help:      "Sync failures handed to the error sink.",
	}, []string{"class", "source"})

	historyWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "history_writes_total",
		Help:      "Participation history writes by partition and outcome.",
	}, []string{"partition", "outcome"})

	sweepDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_drift_total",
		Help:      "Reconciliation classifications.",
	}, []string{"class"})

	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_runs_total",
		Help:      "Reconciliation sweeps by result.",
	}, []string{"result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of a reconciliation sweep.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)
