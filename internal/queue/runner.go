// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/types"
)

// RunnerConfig tunes the worker pool.
type RunnerConfig struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SweepInterval time.Duration
}

// DefaultRunnerConfig returns production pool settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:       4,
		PollInterval:  5 * time.Second,
		LeaseDuration: 5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Runner drains the work-item queue with a fixed pool of workers. Each
// worker claims items under its own lease; a panicking handler leaves the
// lease to expire so the stale sweep can return the item to pending.
type Runner struct {
	store    *Store
	registry *Registry
	cfg      RunnerConfig
	logger   zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	healthy atomic.Bool
}

// NewRunner creates a runner over the store and registry.
func NewRunner(store *Store, registry *Registry, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRunnerConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultRunnerConfig().LeaseDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultRunnerConfig().SweepInterval
	}
	return &Runner{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("queue.runner"),
	}
}

// Start launches the worker pool and the stale lease sweeper.
func (r *Runner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	hostname, _ := os.Hostname()
	for i := 0; i < r.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
		r.wg.Add(1)
		go r.workerLoop(runCtx, owner)
	}

	r.wg.Add(1)
	go r.sweepLoop(runCtx)

	r.healthy.Store(true)
	r.logger.Info().Int("workers", r.cfg.Workers).
		Strs("job_types", r.registry.Types()).
		Msg("queue runner started")
	return nil
}

// IsHealthy reports whether the pool is live.
func (r *Runner) IsHealthy() bool { return r.healthy.Load() }

// Status describes the pool for diagnostics.
func (r *Runner) Status() string {
	if r.healthy.Load() {
		return fmt.Sprintf("running (%d workers)", r.cfg.Workers)
	}
	return "stopped"
}

// Stop cancels the pool and waits for in-flight items to settle.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.healthy.Store(false)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("queue runner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: runner shutdown timed out: %w", ctx.Err())
	}
}

func (r *Runner) workerLoop(ctx context.Context, owner string) {
	defer r.wg.Done()
	logger := r.logger.With().Str(log.FieldWorkerID, owner).Logger()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain until empty, then fall back to the poll interval.
		for {
			if ctx.Err() != nil {
				return
			}
			item, err := r.store.Dequeue(ctx, owner, r.cfg.LeaseDuration)
			if errors.Is(err, ErrNoWork) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("dequeue failed")
				}
				break
			}
			r.runOne(ctx, logger, owner, item)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runOne(ctx context.Context, logger zerolog.Logger, owner string, item *WorkItem) {
	itemLogger := logger.With().
		Str(log.FieldJobID, item.ID).
		Str(log.FieldJobType, item.JobType).
		Int("attempt", item.Attempts).
		Logger()
	itemCtx := log.ContextWithJobID(itemLogger.WithContext(ctx), item.ID)

	handler, ok := r.registry.Lookup(item.JobType)
	if !ok {
		// Unroutable items fail terminally rather than spinning through
		// retries that can never succeed.
		itemLogger.Error().Msg("no handler registered for job type")
		if err := r.store.Fail(ctx, item, owner, fmt.Errorf("no handler for %s", item.JobType), false); err != nil {
			itemLogger.Error().Err(err).Msg("failed to settle unroutable item")
		}
		return
	}

	start := time.Now()
	result, err := r.execute(itemCtx, handler, item, &itemLogger)
	metrics.ObserveJobDuration(item.JobType, time.Since(start).Seconds())

	if errors.Is(err, errPanicked) {
		// Leave the item running under its lease: the stale sweep returns
		// it to pending without consuming a retry.
		return
	}
	if errors.Is(err, ErrDetach) {
		itemLogger.Debug().Msg("work item detached, awaiting external settlement")
		return
	}

	if err == nil {
		if cerr := r.store.Complete(ctx, item.ID, owner, result); cerr != nil {
			itemLogger.Error().Err(cerr).Msg("failed to complete item")
			return
		}
		metrics.IncJobCompleted(item.JobType, string(types.WorkStatusCompleted))
		itemLogger.Debug().Dur("duration", time.Since(start)).Msg("work item completed")
		return
	}

	retryable := errkind.IsRetryable(err)
	itemLogger.Warn().Err(err).
		Bool("retryable", retryable).
		Str(log.FieldErrorCode, string(errkind.KindOf(err))).
		Msg("work item failed")
	if ferr := r.store.Fail(ctx, item, owner, err, retryable); ferr != nil {
		itemLogger.Error().Err(ferr).Msg("failed to settle item")
	}
}

// errPanicked marks a recovered handler panic. The item is deliberately
// not settled: its lease strands until the stale sweep returns it to
// pending, and the re-run does not consume a retry.
var errPanicked = errors.New("queue: handler panicked")

// execute runs the handler and recovers a panic so it never takes the
// whole worker pool down.
func (r *Runner) execute(ctx context.Context, handler Handler, item *WorkItem, logger *zerolog.Logger) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("work item handler panicked")
			result, err = nil, errPanicked
		}
	}()
	return handler(ctx, item)
}

func (r *Runner) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReclaimStaleLeases(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error().Err(err).Msg("stale lease sweep failed")
				}
				continue
			}
			if n > 0 {
				r.logger.Warn().Int("reclaimed", n).Msg("returned expired leases to pending")
			}

			pending, err := r.store.CountByStatus(ctx, types.WorkStatusPending)
			if err == nil {
				for jobType, count := range pending {
					metrics.SetJobsPending(jobType, count)
				}
			}
		}
	}
}
