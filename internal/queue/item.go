// SPDX-License-Identifier: MIT

// Package queue implements the durable work-item queue backing all
// background execution. Items live in SQLite; claiming uses short leases
// so a crashed worker never strands an item.
package queue

import (
	"encoding/json"
	"time"

	"github.com/ManuGH/tonearm/internal/types"
)

// WorkItem is a single unit of background work. Attempts counts consumed
// retries: it stays 0 through the initial run and each retry adds one, so
// MaxAttempts is the retry budget on top of the initial run.
type WorkItem struct {
	ID          string
	JobType     string
	Payload     json.RawMessage
	Status      types.WorkStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LeaseOwner  string
	LeaseExpiry time.Time
	LastError   string
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// EnqueueOptions control scheduling of a new item. The zero value enqueues
// an immediately runnable item at normal priority with three retries.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	RunAt       time.Time
}

// Backoff returns the delay before the next attempt. The schedule is
// deterministic: 1 minute after the first failure, 5 after the second,
// 15 for every failure after that.
func Backoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return 1 * time.Minute
	case attempts == 2:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}
