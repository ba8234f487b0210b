// SPDX-License-Identifier: MIT

// Package orchestrator owns the lifecycle of the long-running workers.
// Workers start in dependency order and stop in reverse; a worker that
// fails stays failed until the operator restarts the process.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/log"
)

// Worker is one long-running background component.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy() bool
	Status() string
}

// WorkerState is the orchestrator's view of one worker.
type WorkerState string

const (
	StateStarting WorkerState = "starting"
	StateRunning  WorkerState = "running"
	StateStopping WorkerState = "stopping"
	StateStopped  WorkerState = "stopped"
	StateFailed   WorkerState = "failed"
)

// WorkerStatus is one worker's entry on the status surface.
type WorkerStatus struct {
	Name         string      `json:"name"`
	State        WorkerState `json:"state"`
	Detail       string      `json:"detail"`
	LastChangeAt time.Time   `json:"last_change_at"`
	LastError    string      `json:"last_error,omitempty"`
}

// DefaultStopGrace bounds how long StopAll waits per worker.
const DefaultStopGrace = 30 * time.Second

type entry struct {
	name   string
	worker Worker

	state      WorkerState
	lastChange time.Time
	lastError  string
}

// Orchestrator starts and stops a fixed set of workers. Registration
// order is dependency order.
type Orchestrator struct {
	mu        sync.Mutex
	entries   []*entry
	stopGrace time.Duration
	logger    zerolog.Logger
	started   bool
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithStopGrace overrides the per-worker shutdown grace.
func WithStopGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.stopGrace = d }
}

// New creates an empty orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stopGrace: DefaultStopGrace,
		logger:    log.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add registers a worker. Must be called before StartAll.
func (o *Orchestrator) Add(name string, w Worker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, &entry{
		name:       name,
		worker:     w,
		state:      StateStopped,
		lastChange: time.Now(),
	})
}

// StartAll starts every worker in registration order. The first failure
// stops the already-started workers in reverse and returns the error.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already started")
	}
	o.started = true
	entries := o.entries
	o.mu.Unlock()

	for i, e := range entries {
		o.transition(e, StateStarting, nil)
		if err := e.worker.Start(ctx); err != nil {
			o.transition(e, StateFailed, err)
			o.logger.Error().Err(err).Str(log.FieldWorkerID, e.name).Msg("worker start failed")
			o.stopRange(entries[:i])
			return fmt.Errorf("orchestrator: start %s: %w", e.name, err)
		}
		o.transition(e, StateRunning, nil)
		o.logger.Info().Str(log.FieldWorkerID, e.name).Msg("worker started")
	}
	return nil
}

// StopAll stops every worker in reverse order, waiting up to the grace
// per worker. A worker that refuses to stop is abandoned and marked
// failed; shutdown continues with the rest.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	entries := o.entries
	o.started = false
	o.mu.Unlock()

	o.stopRange(entries)
}

func (o *Orchestrator) stopRange(entries []*entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if o.stateOf(e) != StateRunning {
			continue
		}

		o.transition(e, StateStopping, nil)
		ctx, cancel := context.WithTimeout(context.Background(), o.stopGrace)
		err := e.worker.Stop(ctx)
		cancel()

		if err != nil {
			o.transition(e, StateFailed, err)
			o.logger.Error().Err(err).Str(log.FieldWorkerID, e.name).Msg("worker abandoned during shutdown")
			continue
		}
		o.transition(e, StateStopped, nil)
		o.logger.Info().Str(log.FieldWorkerID, e.name).Msg("worker stopped")
	}
}

// IsHealthy reports whether every running worker is healthy. Before
// StartAll the orchestrator is unhealthy.
func (o *Orchestrator) IsHealthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return false
	}
	for _, e := range o.entries {
		if e.state != StateRunning || !e.worker.IsHealthy() {
			return false
		}
	}
	return true
}

// MarkFailed flags a worker that died outside the orchestrator's
// control, for example a panicked loop.
func (o *Orchestrator) MarkFailed(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.name == name {
			e.state = StateFailed
			e.lastChange = time.Now()
			if err != nil {
				e.lastError = err.Error()
			}
			return
		}
	}
}

// Statuses returns the per-worker state in registration order.
func (o *Orchestrator) Statuses() []WorkerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]WorkerStatus, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, WorkerStatus{
			Name:         e.name,
			State:        e.state,
			Detail:       e.worker.Status(),
			LastChangeAt: e.lastChange,
			LastError:    e.lastError,
		})
	}
	return out
}

func (o *Orchestrator) transition(e *entry, state WorkerState, err error) {
	o.mu.Lock()
	e.state = state
	e.lastChange = time.Now()
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stateOf(e *entry) WorkerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.state
}
