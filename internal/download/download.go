// SPDX-License-Identifier: MIT

// Package download owns the lifecycle of peer-to-peer downloads: the
// persistent entity, its state machine, the blocklist, and the two
// workers that drive transfers through the external client.
package download

import (
	"time"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/types"
)

// Download is one requested file transfer from a specific peer.
type Download struct {
	ID               string
	TrackID          string
	Username         string
	Filepath         string // full remote path, the peer's identifier for the file
	Filename         string // basename, used for fingerprint matching
	ExternalID       string // transfer id assigned by the external client
	Status           types.DownloadStatus
	Priority         int
	ErrorCode        errcode.Code
	ErrorMessage     string
	RetryCount       int
	MaxRetries       int
	NextRetryAt      time.Time
	SizeBytes        int64
	TransferredBytes int64
	DispatchJobID    string // work item that carried this download's submission
	StartedAt        time.Time
	CompletedAt      time.Time
	LastTouchedAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanRetry reports whether a failed download is still eligible for
// automatic retry.
func (d *Download) CanRetry() bool {
	if d.Status != types.DownloadStatusFailed {
		return false
	}
	if !d.ErrorCode.Retryable() {
		return false
	}
	return d.RetryCount < d.MaxRetries
}

// RetryDue reports whether the backoff period has elapsed.
func (d *Download) RetryDue(now time.Time) bool {
	return d.CanRetry() && !d.NextRetryAt.IsZero() && !now.Before(d.NextRetryAt)
}

// RecordFailure moves the download to failed with a canonical error code.
// The retry counter moves only when the failure is retryable and budget
// remains, so a single terminal error like file_not_found leaves it at
// zero. Retryable failures with budget still left after this one get a
// next retry time on the shared backoff schedule; anything else has no
// retry time and waits for an operator or blocklist escalation.
func (d *Download) RecordFailure(code errcode.Code, message string, now time.Time) {
	d.Status = types.DownloadStatusFailed
	d.ErrorCode = code
	d.ErrorMessage = message
	d.UpdatedAt = now
	d.LastTouchedAt = now
	d.NextRetryAt = time.Time{}

	if code.Retryable() && d.RetryCount < d.MaxRetries {
		d.RetryCount++
		if d.RetryCount < d.MaxRetries {
			d.NextRetryAt = now.Add(queue.Backoff(d.RetryCount))
		}
	}
}

// ActivateForRetry returns a failed download to waiting so the queue
// worker can promote it again. Error details are kept for history.
func (d *Download) ActivateForRetry(now time.Time) {
	d.Status = types.DownloadStatusWaiting
	d.NextRetryAt = time.Time{}
	d.ExternalID = ""
	d.DispatchJobID = ""
	d.CompletedAt = time.Time{}
	d.UpdatedAt = now
	d.LastTouchedAt = now
}

// Progress returns the transfer completion ratio in [0,1].
func (d *Download) Progress() float64 {
	if d.SizeBytes <= 0 {
		return 0
	}
	p := float64(d.TransferredBytes) / float64(d.SizeBytes)
	if p > 1 {
		return 1
	}
	return p
}
