package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelq_jobs_completed_total",
			Help: "Jobs finished by this worker, by outcome",
		},
		[]string{"outcome"}, // completed, failed, dead_lettered
	)

	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelq_jobs_submitted_total",
			Help: "Jobs staged and enqueued by submitters",
		},
	)

	LeasesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelq_leases_reclaimed_total",
			Help: "Expired leases returned to the ready queue",
		},
	)

	ActiveSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelq_active_slots",
			Help: "Execution slots currently processing a job",
		},
	)

	JobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelq_job_duration_seconds",
			Help:    "Wall time of the fetch-run-publish cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
		},
	)
)
