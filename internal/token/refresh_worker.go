// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/log"
)

// RefreshWorker proactively refreshes tokens approaching expiry so
// foreground callers rarely pay refresh latency. Services flagged
// needs_reauth are skipped quietly.
type RefreshWorker struct {
	manager  *Manager
	repo     *Repository
	interval time.Duration
	logger   zerolog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
	mu      sync.Mutex
	status  string
}

// NewRefreshWorker creates the worker. interval defaults to 30 seconds.
func NewRefreshWorker(manager *Manager, repo *Repository, interval time.Duration) *RefreshWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RefreshWorker{
		manager:  manager,
		repo:     repo,
		interval: interval,
		logger:   log.WithComponent("token.refresh_worker"),
		status:   "stopped",
	}
}

// Start launches the refresh loop.
func (w *RefreshWorker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.healthy.Store(true)
	w.setStatus("running")

	go w.loop(runCtx)
	w.logger.Info().Dur("interval", w.interval).Msg("token refresh worker started")
	return nil
}

// Stop cancels the loop and waits for the current pass to finish.
func (w *RefreshWorker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		w.setStatus("stopped")
		w.healthy.Store(false)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("token: refresh worker shutdown timed out: %w", ctx.Err())
	}
}

// IsHealthy reports whether the loop is live.
func (w *RefreshWorker) IsHealthy() bool { return w.healthy.Load() }

// Status returns a short state string for the health surface.
func (w *RefreshWorker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *RefreshWorker) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *RefreshWorker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle refreshes every stored token that is inside its leeway window.
// AccessToken already handles freshness checks and single-flighting, so
// the cycle just asks for each token.
func (w *RefreshWorker) RunCycle(ctx context.Context) {
	services, err := w.repo.Services(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("service listing failed")
		}
		return
	}

	for _, service := range services {
		if _, err := w.manager.AccessToken(ctx, service); err != nil {
			if errkind.NeedsReauth(err) {
				// Already logged loudly at flag time; stay quiet here.
				continue
			}
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Str(log.FieldService, service).Msg("proactive refresh failed")
			}
		}
	}
}
