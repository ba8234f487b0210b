// SPDX-License-Identifier: MIT

package types

import "fmt"

// DownloadStatus represents the lifecycle state of a download record.
type DownloadStatus string

const (
	// DownloadStatusWaiting indicates the download exists but has not been
	// handed to the dispatcher yet.
	DownloadStatusWaiting DownloadStatus = "waiting"

	// DownloadStatusPending indicates a dispatch work item has been enqueued.
	DownloadStatusPending DownloadStatus = "pending"

	// DownloadStatusQueued indicates the external client accepted the transfer.
	DownloadStatusQueued DownloadStatus = "queued"

	// DownloadStatusDownloading indicates bytes are flowing.
	DownloadStatusDownloading DownloadStatus = "downloading"

	// DownloadStatusCompleted indicates the file landed and the track points at it.
	DownloadStatusCompleted DownloadStatus = "completed"

	// DownloadStatusFailed indicates the transfer failed; last_error_code is set.
	DownloadStatusFailed DownloadStatus = "failed"

	// DownloadStatusCancelled indicates a manual terminal cancellation.
	DownloadStatusCancelled DownloadStatus = "cancelled"

	// DownloadStatusBlocklisted indicates the source was blocklisted after
	// repeated failures. Terminal.
	DownloadStatusBlocklisted DownloadStatus = "blocklisted"
)

func (s DownloadStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is one of the defined constants.
func (s DownloadStatus) IsValid() bool {
	switch s {
	case DownloadStatusWaiting, DownloadStatusPending, DownloadStatusQueued,
		DownloadStatusDownloading, DownloadStatusCompleted, DownloadStatusFailed,
		DownloadStatusCancelled, DownloadStatusBlocklisted:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the status represents a final state.
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case DownloadStatusCompleted, DownloadStatusCancelled, DownloadStatusBlocklisted:
		return true
	default:
		return false
	}
}

// IsActive reports whether the download is in flight (non-terminal, not failed).
func (s DownloadStatus) IsActive() bool {
	switch s {
	case DownloadStatusWaiting, DownloadStatusPending, DownloadStatusQueued, DownloadStatusDownloading:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target.
//
// The transition table mirrors the download state machine:
//
//	waiting     → pending | failed | cancelled
//	pending     → queued | downloading | failed | cancelled
//	queued      → downloading | completed | failed | cancelled
//	downloading → completed | failed | cancelled
//	failed      → waiting | blocklisted | cancelled
//
// Terminal states (completed, cancelled, blocklisted) never transition.
func (s DownloadStatus) CanTransitionTo(target DownloadStatus) bool {
	if s.IsTerminal() {
		return false
	}

	// Every non-terminal state may be cancelled manually.
	if target == DownloadStatusCancelled {
		return true
	}

	switch s {
	case DownloadStatusWaiting:
		return target == DownloadStatusPending || target == DownloadStatusFailed
	case DownloadStatusPending:
		return target == DownloadStatusQueued || target == DownloadStatusDownloading ||
			target == DownloadStatusFailed
	case DownloadStatusQueued:
		return target == DownloadStatusDownloading || target == DownloadStatusCompleted ||
			target == DownloadStatusFailed
	case DownloadStatusDownloading:
		return target == DownloadStatusCompleted || target == DownloadStatusFailed
	case DownloadStatusFailed:
		return target == DownloadStatusWaiting || target == DownloadStatusBlocklisted
	default:
		return false
	}
}

// AllDownloadStatuses returns every defined status, in lifecycle order.
func AllDownloadStatuses() []DownloadStatus {
	return []DownloadStatus{
		DownloadStatusWaiting, DownloadStatusPending, DownloadStatusQueued,
		DownloadStatusDownloading, DownloadStatusCompleted, DownloadStatusFailed,
		DownloadStatusCancelled, DownloadStatusBlocklisted,
	}
}

// ParseDownloadStatus parses a string into a DownloadStatus.
func ParseDownloadStatus(s string) (DownloadStatus, error) {
	status := DownloadStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid download status: %q", s)
	}
	return status, nil
}
