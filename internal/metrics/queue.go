// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_jobs_enqueued_total",
		Help: "Total number of work items enqueued by job type",
	}, []string{"job_type"})

	jobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_jobs_completed_total",
		Help: "Total number of work items finished by job type and outcome",
	}, []string{"job_type", "outcome"}) // outcome=completed|failed|cancelled

	jobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_jobs_retried_total",
		Help: "Total number of work item retries scheduled by job type",
	}, []string{"job_type"})

	jobsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tonearm_jobs_pending",
		Help: "Number of work items currently pending by job type",
	}, []string{"job_type"})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tonearm_job_duration_seconds",
		Help:    "Time spent executing a work item by job type",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})

	staleLeaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_stale_lease_reclaims_total",
		Help: "Total number of expired leases returned to the pending state",
	})
)

func IncJobEnqueued(jobType string) { jobsEnqueuedTotal.WithLabelValues(jobType).Inc() }

func IncJobCompleted(jobType, outcome string) {
	jobsCompletedTotal.WithLabelValues(jobType, outcome).Inc()
}

func IncJobRetried(jobType string) { jobsRetriedTotal.WithLabelValues(jobType).Inc() }

func SetJobsPending(jobType string, n int) {
	jobsPending.WithLabelValues(jobType).Set(float64(n))
}

func ObserveJobDuration(jobType string, seconds float64) {
	jobDurationSeconds.WithLabelValues(jobType).Observe(seconds)
}

func IncStaleLeaseReclaims(n int) { staleLeaseReclaims.Add(float64(n)) }
