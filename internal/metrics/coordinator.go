// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_tasks_scheduled_total",
		Help: "Total number of library tasks scheduled by type",
	}, []string{"task_type"})

	tasksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_tasks_skipped_total",
		Help: "Total number of library tasks skipped by type and reason",
	}, []string{"task_type", "reason"}) // reason=cooldown|in_flight|needs_reauth|disabled

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tonearm_task_duration_seconds",
		Help:    "Time spent executing a library task by type",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"task_type"})

	tracksEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_tracks_enriched_total",
		Help: "Total number of tracks enriched with external metadata",
	})

	playlistsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_playlists_exported_total",
		Help: "Total number of playlist files exported",
	})
)

func IncTaskScheduled(taskType string) { tasksScheduledTotal.WithLabelValues(taskType).Inc() }

func IncTaskSkipped(taskType, reason string) {
	tasksSkippedTotal.WithLabelValues(taskType, reason).Inc()
}

func ObserveTaskDuration(taskType string, seconds float64) {
	taskDurationSeconds.WithLabelValues(taskType).Observe(seconds)
}

func AddTracksEnriched(n int) { tracksEnriched.Add(float64(n)) }

func IncPlaylistsExported() { playlistsExported.Inc() }
