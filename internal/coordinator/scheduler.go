// SPDX-License-Identifier: MIT

// Package coordinator owns the periodic library tasks: sync, enrichment,
// download requests, cleanup and playlist export. A scheduler decides
// when each task is due and hands the run to the work-item queue, so
// task execution shares the queue's leasing and crash recovery.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/library"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/types"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TaskFunc is one task handler. The returned result is recorded on the
// run's work item, so the queue surface shows what each run actually
// did. Handlers must be idempotent: the scheduler re-fires them on
// every elapsed cooldown.
type TaskFunc func(ctx context.Context) (any, error)

// SchedulerConfig tunes the tick loop.
type SchedulerConfig struct {
	TickInterval    time.Duration
	DefaultCooldown time.Duration
}

type taskSpec struct {
	cooldown time.Duration
	priority types.TaskPriority
}

type taskState struct {
	lastRun   time.Time
	running   bool
	lastError string
}

// TaskStatus is one task's view on the status surface.
type TaskStatus struct {
	Type      types.TaskType `json:"type"`
	LastRun   time.Time      `json:"last_run"`
	Running   bool           `json:"running"`
	Cooldown  time.Duration  `json:"cooldown"`
	LastError string         `json:"last_error,omitempty"`
}

// Scheduler fires due tasks into the queue. One in-flight run per task
// type; a cooldown separates consecutive runs. Everything is due at
// startup.
type Scheduler struct {
	store   *queue.Store
	lib     *library.Repository
	enabled func() bool
	tick    time.Duration
	clock   clock
	logger  zerolog.Logger

	mu    sync.Mutex
	specs map[types.TaskType]taskSpec
	state map[types.TaskType]*taskState

	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
	status  string
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock injects a deterministic clock for tests.
func WithSchedulerClock(c clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates the scheduler. enabled is the master switch; when
// it reports false the tick loop idles and run-now requests are refused.
func NewScheduler(store *queue.Store, lib *library.Repository, enabled func() bool, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}

	s := &Scheduler{
		store:   store,
		lib:     lib,
		enabled: enabled,
		tick:    cfg.TickInterval,
		clock:   realClock{},
		logger:  log.WithComponent("coordinator.scheduler"),
		specs:   defaultSpecs(cfg.DefaultCooldown),
		state:   make(map[types.TaskType]*taskState),
		status:  "stopped",
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, t := range types.AllTaskTypes() {
		s.state[t] = &taskState{}
	}
	return s
}

// defaultSpecs assigns cooldowns and priorities. Housekeeping tasks run
// far less often than the sync chain; download requests jump the queue.
func defaultSpecs(cooldown time.Duration) map[types.TaskType]taskSpec {
	return map[types.TaskType]taskSpec{
		types.TaskArtistSync:      {cooldown: cooldown, priority: types.PriorityNormal},
		types.TaskAlbumSync:       {cooldown: cooldown, priority: types.PriorityNormal},
		types.TaskTrackSync:       {cooldown: cooldown, priority: types.PriorityNormal},
		types.TaskEnrichment:      {cooldown: cooldown, priority: types.PriorityLow},
		types.TaskDownloadRequest: {cooldown: cooldown, priority: types.PriorityHigh},
		types.TaskCleanup:         {cooldown: time.Hour, priority: types.PriorityLow},
		types.TaskPlaylistExport:  {cooldown: 30 * time.Minute, priority: types.PriorityLow},
	}
}

// Register binds a task handler into the queue registry, wrapped with
// the scheduler's bookkeeping. Task items run with a single attempt:
// the cooldown re-fires a failed task soon enough, and handlers are
// idempotent either way.
func (s *Scheduler) Register(reg *queue.Registry, t types.TaskType, fn TaskFunc) error {
	return reg.Register(t.JobType(), func(ctx context.Context, _ *queue.WorkItem) (any, error) {
		start := s.clock.Now()
		result, err := fn(ctx)
		s.finish(t, err)
		metrics.ObserveTaskDuration(t.String(), s.clock.Now().Sub(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t, err)
		}
		return result, nil
	})
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.healthy.Store(true)
	s.setStatus("running")

	go s.loop(runCtx)
	s.logger.Info().Dur("tick", s.tick).Bool("enabled", s.enabled()).Msg("coordinator started")
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		s.setStatus("stopped")
		s.healthy.Store(false)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: shutdown timed out: %w", ctx.Err())
	}
}

// IsHealthy reports whether the tick loop is live.
func (s *Scheduler) IsHealthy() bool { return s.healthy.Load() }

// Status returns a short state string for the health surface.
func (s *Scheduler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due task. Exported so tests can drive the scheduler
// deterministically.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.enabled() {
		return
	}
	for _, t := range types.AllTaskTypes() {
		s.fire(ctx, t, false)
	}
}

// RunNow fires one task immediately, bypassing its cooldown. A run
// already in flight is not duplicated.
func (s *Scheduler) RunNow(ctx context.Context, t types.TaskType) error {
	if !t.IsValid() {
		return errkind.Newf(errkind.KindValidation, "coordinator: unknown task type %q", t)
	}
	if !s.enabled() {
		metrics.IncTaskSkipped(t.String(), "disabled")
		return errkind.New(errkind.KindInvalidState, "coordinator: disabled by configuration")
	}
	return s.fire(ctx, t, true)
}

func (s *Scheduler) fire(ctx context.Context, t types.TaskType, force bool) error {
	spec := s.specs[t]
	now := s.clock.Now()

	s.mu.Lock()
	st := s.state[t]
	if st.running {
		s.mu.Unlock()
		metrics.IncTaskSkipped(t.String(), "in_flight")
		return errkind.Newf(errkind.KindInvalidState, "coordinator: task %s already running", t)
	}
	if !force && !st.lastRun.IsZero() && now.Sub(st.lastRun) < spec.cooldown {
		s.mu.Unlock()
		metrics.IncTaskSkipped(t.String(), "cooldown")
		return nil
	}
	st.running = true
	s.mu.Unlock()

	_, err := s.store.Enqueue(ctx, t.JobType(), nil, queue.EnqueueOptions{
		Priority:    int(spec.priority),
		MaxAttempts: 1,
	})
	if err != nil {
		s.mu.Lock()
		st.running = false
		s.mu.Unlock()
		s.logger.Error().Err(err).Str(log.FieldTaskType, t.String()).Msg("task enqueue failed")
		return err
	}

	metrics.IncTaskScheduled(t.String())
	s.logger.Debug().Str(log.FieldTaskType, t.String()).Bool("forced", force).Msg("task scheduled")
	return nil
}

// finish records a completed run. The cooldown counts from completion,
// successful or not, so a failing task cannot hot-loop.
func (s *Scheduler) finish(t types.TaskType, err error) {
	now := s.clock.Now()

	s.mu.Lock()
	st := s.state[t]
	st.running = false
	st.lastRun = now
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	s.mu.Unlock()

	// Best-effort breadcrumb for the status surface; scheduling state
	// itself is in-memory and resets on restart.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.lib.SetSetting(ctx, "task.last_run."+t.String(),
		fmt.Sprintf("%d", now.UnixMilli())); serr != nil {
		s.logger.Warn().Err(serr).Str(log.FieldTaskType, t.String()).Msg("last-run persist failed")
	}
}

// Snapshot returns the current per-task state.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.state))
	for _, t := range types.AllTaskTypes() {
		st := s.state[t]
		out = append(out, TaskStatus{
			Type:      t,
			LastRun:   st.lastRun,
			Running:   st.running,
			Cooldown:  s.specs[t].cooldown,
			LastError: st.lastError,
		})
	}
	return out
}
