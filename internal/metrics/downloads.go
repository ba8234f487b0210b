// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tonearm_downloads_by_status",
		Help: "Number of tracked downloads by status (last poll cycle)",
	}, []string{"status"})

	downloadTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_download_transitions_total",
		Help: "Total number of download state transitions",
	}, []string{"from", "to"})

	downloadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_download_failures_total",
		Help: "Total number of download failures by canonical error code",
	}, []string{"code"})

	downloadsPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_downloads_promoted_total",
		Help: "Total number of downloads promoted from waiting to pending",
	})

	downloadsBlocklistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_downloads_blocklisted_total",
		Help: "Total number of downloads escalated to the blocklist by scope",
	}, []string{"scope"}) // scope=username|filepath|specific

	staleDownloadsKilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_stale_downloads_killed_total",
		Help: "Total number of downloads failed for exceeding the stale threshold",
	})

	statusPollDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tonearm_status_poll_duration_seconds",
		Help:    "Time spent reconciling download state against the external client",
		Buckets: prometheus.DefBuckets,
	})
)

func SetDownloadsByStatus(status string, n int) {
	downloadsByStatus.WithLabelValues(status).Set(float64(n))
}

func IncDownloadTransition(from, to string) {
	downloadTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncDownloadFailure(code string) { downloadFailuresTotal.WithLabelValues(code).Inc() }

func AddDownloadsPromoted(n int) { downloadsPromotedTotal.Add(float64(n)) }

func IncDownloadBlocklisted(scope string) {
	downloadsBlocklistedTotal.WithLabelValues(scope).Inc()
}

func IncStaleDownloadsKilled() { staleDownloadsKilled.Inc() }

func ObserveStatusPoll(seconds float64) { statusPollDurationSeconds.Observe(seconds) }
