// SPDX-License-Identifier: MIT

package types

import "fmt"

// TaskType enumerates the periodic tasks owned by the library coordinator.
type TaskType string

const (
	TaskArtistSync      TaskType = "artist_sync"
	TaskAlbumSync       TaskType = "album_sync"
	TaskTrackSync       TaskType = "track_sync"
	TaskEnrichment      TaskType = "enrichment"
	TaskDownloadRequest TaskType = "download_request"
	TaskCleanup         TaskType = "cleanup"
	TaskPlaylistExport  TaskType = "playlist_export"
)

func (t TaskType) String() string { return string(t) }

// IsValid checks whether the task type is one of the defined constants.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskArtistSync, TaskAlbumSync, TaskTrackSync, TaskEnrichment,
		TaskDownloadRequest, TaskCleanup, TaskPlaylistExport:
		return true
	default:
		return false
	}
}

// JobType returns the work-item type the coordinator enqueues for this task.
func (t TaskType) JobType() string {
	return "library." + string(t)
}

// AllTaskTypes returns every defined coordinator task type.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskArtistSync,
		TaskAlbumSync,
		TaskTrackSync,
		TaskEnrichment,
		TaskDownloadRequest,
		TaskCleanup,
		TaskPlaylistExport,
	}
}

// ParseTaskType parses a string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("invalid task type: %q", s)
	}
	return t, nil
}

// JobTypeDownloadDispatch is the work-item type the download queue worker
// enqueues to hand a single download to the external client.
const JobTypeDownloadDispatch = "download.dispatch"

// TaskPriority expresses coordinator scheduling priority as a queue priority.
type TaskPriority int

const (
	PriorityLow    TaskPriority = -10
	PriorityNormal TaskPriority = 0
	PriorityHigh   TaskPriority = 10
)
