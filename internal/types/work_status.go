// SPDX-License-Identifier: MIT

// Package types provides type-safe enumerations shared across tonearm.
//
// This package centralizes typed constants, enums, and state types
// to prevent string-based bugs and enable exhaustive switches.
package types

import (
	"encoding/json"
	"fmt"
)

// WorkStatus represents the current state of a persistent work item.
//
// WorkStatus provides type safety for the background-job lifecycle,
// preventing string-based typos and enabling exhaustive switch statements.
type WorkStatus string

// Work status constants define all possible states of a work item.
const (
	// WorkStatusPending indicates the item is queued but not yet leased.
	WorkStatusPending WorkStatus = "pending"

	// WorkStatusRunning indicates a worker holds the lease and is executing.
	WorkStatusRunning WorkStatus = "running"

	// WorkStatusCompleted indicates the handler finished successfully.
	WorkStatusCompleted WorkStatus = "completed"

	// WorkStatusFailed indicates the handler failed with no retries left.
	WorkStatusFailed WorkStatus = "failed"

	// WorkStatusCancelled indicates the item was manually cancelled.
	WorkStatusCancelled WorkStatus = "cancelled"
)

// String returns the string representation of the work status.
func (s WorkStatus) String() string {
	return string(s)
}

// IsValid checks whether the work status is one of the defined constants.
func (s WorkStatus) IsValid() bool {
	switch s {
	case WorkStatusPending, WorkStatusRunning, WorkStatusCompleted, WorkStatusFailed, WorkStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the work status represents a final state.
//
// Terminal states never revert: Completed, Failed, Cancelled.
func (s WorkStatus) IsTerminal() bool {
	switch s {
	case WorkStatusCompleted, WorkStatusFailed, WorkStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether this status can transition to the target status.
//
// Valid transitions:
//   - Pending → Running, Cancelled
//   - Running → Completed, Failed, Cancelled, Pending (retry or stale-lease reclaim)
//   - Terminal states cannot transition
func (s WorkStatus) CanTransitionTo(target WorkStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case WorkStatusPending:
		return target == WorkStatusRunning || target == WorkStatusCancelled
	case WorkStatusRunning:
		return target == WorkStatusCompleted || target == WorkStatusFailed ||
			target == WorkStatusCancelled || target == WorkStatusPending
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler for WorkStatus.
func (s WorkStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for WorkStatus.
func (s *WorkStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status := WorkStatus(str)
	if !status.IsValid() {
		return fmt.Errorf("invalid work status: %q", str)
	}

	*s = status
	return nil
}

// AllWorkStatuses returns all defined work statuses.
func AllWorkStatuses() []WorkStatus {
	return []WorkStatus{
		WorkStatusPending,
		WorkStatusRunning,
		WorkStatusCompleted,
		WorkStatusFailed,
		WorkStatusCancelled,
	}
}
