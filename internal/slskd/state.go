// SPDX-License-Identifier: MIT

package slskd

import (
	"strings"

	"github.com/ManuGH/tonearm/internal/types"
)

// MapState converts a raw client transfer state into the canonical
// download status. slskd reports compound states like
// "Completed, Succeeded" or "Queued, Remotely"; matching is case-folded
// on the significant fragment. Failure detection keys on the error
// fragments, so a bare "completed" means the transfer finished, not that
// it failed. Unknown states map to queued so an unrecognized in-flight
// transfer is never mistaken for a terminal one.
func MapState(state string) types.DownloadStatus {
	s := strings.ToLower(strings.TrimSpace(state))

	switch {
	case strings.Contains(s, "errored"), strings.Contains(s, "rejected"),
		strings.Contains(s, "timedout"), strings.Contains(s, "timed out"):
		return types.DownloadStatusFailed
	case strings.Contains(s, "cancelled"), strings.Contains(s, "canceled"),
		strings.Contains(s, "aborted"):
		return types.DownloadStatusCancelled
	case strings.Contains(s, "succeeded"), strings.Contains(s, "completed"):
		return types.DownloadStatusCompleted
	case strings.Contains(s, "inprogress"), strings.Contains(s, "in progress"),
		strings.Contains(s, "initializing"):
		return types.DownloadStatusDownloading
	case strings.Contains(s, "queued"), strings.Contains(s, "requested"):
		return types.DownloadStatusQueued
	default:
		return types.DownloadStatusQueued
	}
}
