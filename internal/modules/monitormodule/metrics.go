package monitormodule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelpipe",
		Name:      "jobs_completed_total",
		Help:      "Pipeline jobs that reached the completed state.",
	})

	metricJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelpipe",
		Name:      "jobs_failed_total",
		Help:      "Pipeline jobs that reached the failed state.",
	})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixelpipe",
		Name:      "queue_depth",
		Help:      "Undelivered messages per queue, sampled each reconcile pass.",
	}, []string{"queue"})

	metricDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelpipe",
		Name:      "dead_letters",
		Help:      "Messages currently in the dead-letter state.",
	})

	metricRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelpipe",
		Name:      "dead_letter_redeliveries_total",
		Help:      "Dead-lettered messages returned to their queue by the monitor.",
	})

	metricReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelpipe",
		Name:      "reconcile_runs_total",
		Help:      "Completed reconciliation passes.",
	})

	metricFailureAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelpipe",
		Name:      "failure_ratio_alerts_total",
		Help:      "Jobs whose failure ratio crossed the alert threshold.",
	})
)
