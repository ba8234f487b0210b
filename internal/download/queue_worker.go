// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/types"
)

// escalationWindow bounds blocklist escalation: only failures that landed
// inside this trailing window count toward the threshold, so a slow
// trickle of failures stays failed for manual retry.
const escalationWindow = 24 * time.Hour

// escalationThreshold is the number of failures a (username, filepath)
// source must produce inside the window before it is blocklisted.
const escalationThreshold = 3

// dispatchPayload is the body of a download.dispatch work item.
type dispatchPayload struct {
	DownloadID string `json:"download_id"`
}

// QueueWorkerConfig tunes the promotion cycle.
type QueueWorkerConfig struct {
	CheckInterval time.Duration
	MaxPerCycle   int
}

// QueueWorker drives downloads from waiting into the work-item queue.
// Each cycle promotes a bounded batch of waiting downloads, enqueuing a
// durable download.dispatch item per promotion in the same transaction,
// then reactivates due retries and escalates repeat offenders to the
// blocklist. The dispatch items themselves run on the queue runner.
type QueueWorker struct {
	repo      *Repository
	blocklist *Blocklist
	queue     *queue.Store
	client    slskd.Client
	cfg       QueueWorkerConfig
	logger    zerolog.Logger
	clock     clock

	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
	mu      sync.Mutex
	status  string
}

// NewQueueWorker creates the worker.
func NewQueueWorker(repo *Repository, blocklist *Blocklist, store *queue.Store, client slskd.Client, cfg QueueWorkerConfig) *QueueWorker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 10
	}
	return &QueueWorker{
		repo:      repo,
		blocklist: blocklist,
		queue:     store,
		client:    client,
		cfg:       cfg,
		logger:    log.WithComponent("download.queue_worker"),
		clock:     repo.clock,
		status:    "stopped",
	}
}

// Start launches the promotion loop.
func (w *QueueWorker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.healthy.Store(true)
	w.setStatus("running")

	go w.loop(runCtx)
	w.logger.Info().Dur("interval", w.cfg.CheckInterval).
		Int("max_per_cycle", w.cfg.MaxPerCycle).Msg("download queue worker started")
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (w *QueueWorker) Stop(ctx context.Context) error {
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
		return fmt.Errorf("download: queue worker shutdown timed out: %w", ctx.Err())
	}
}

// IsHealthy reports whether the loop is live.
func (w *QueueWorker) IsHealthy() bool { return w.healthy.Load() }

// Status returns a short state string for the health surface.
func (w *QueueWorker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *QueueWorker) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *QueueWorker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.CheckInterval)
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

// RunCycle executes one promotion cycle. The whole cycle is skipped while
// the external client is unreachable: promoting without a client would
// only pile up dispatch items that cannot run. Exported so tests and the
// manual run-now endpoint can drive cycles deterministically.
func (w *QueueWorker) RunCycle(ctx context.Context) {
	if !w.client.IsAvailable(ctx) {
		w.logger.Debug().Msg("download client unavailable, skipping cycle")
		return
	}

	if err := w.promoteWaiting(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("promotion failed")
	}
	if err := w.reactivateRetries(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("retry reactivation failed")
	}
	if err := w.escalateExhausted(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("blocklist escalation failed")
	}
}

// promoteWaiting moves a bounded batch of waiting downloads to pending.
// Each promotion enqueues a download.dispatch work item carrying the
// download's priority in the same transaction as the status change, so a
// crash between the two can never strand a pending download without its
// dispatch item.
func (w *QueueWorker) promoteWaiting(ctx context.Context) error {
	waiting, err := w.repo.ListByStatus(ctx, types.DownloadStatusWaiting, w.cfg.MaxPerCycle)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	promoted := 0
	for _, d := range waiting {
		blocked, err := w.blocklist.IsBlocked(ctx, d.Username, d.Filepath)
		if err != nil {
			return err
		}
		if blocked {
			if err := w.repo.Transition(ctx, d, types.DownloadStatusCancelled, func(d *Download) {
				d.ErrorCode = errcode.UserBlocked
				d.ErrorMessage = "suppressed by blocklist"
			}); err != nil {
				w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("blocklist suppression skipped")
			}
			continue
		}

		if err := w.promoteOne(ctx, d); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("promotion skipped")
			continue
		}
		promoted++
	}

	if promoted > 0 {
		metrics.AddDownloadsPromoted(promoted)
		w.logger.Debug().Int("promoted", promoted).Msg("promotion cycle done")
	}
	return nil
}

func (w *QueueWorker) promoteOne(ctx context.Context, d *Download) error {
	tx, err := w.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("download: promote %s: %w", d.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	payload, err := json.Marshal(dispatchPayload{DownloadID: d.ID})
	if err != nil {
		return fmt.Errorf("download: promote %s: %w", d.ID, err)
	}
	jobID, err := w.queue.EnqueueTx(ctx, tx, types.JobTypeDownloadDispatch,
		json.RawMessage(payload), queue.EnqueueOptions{Priority: d.Priority})
	if err != nil {
		return err
	}

	if err := w.repo.TransitionTx(ctx, tx, d, types.DownloadStatusPending, func(d *Download) {
		d.DispatchJobID = jobID
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("download: promote %s: %w", d.ID, err)
	}

	w.logger.Info().
		Str(log.FieldDownloadID, d.ID).
		Str(log.FieldJobID, jobID).
		Msg("download promoted, dispatch item enqueued")
	return nil
}

// reactivateRetries returns failed downloads with elapsed backoff to
// waiting.
func (w *QueueWorker) reactivateRetries(ctx context.Context) error {
	due, err := w.repo.ListRetryDue(ctx, w.cfg.MaxPerCycle)
	if err != nil {
		return err
	}

	for _, d := range due {
		if !d.CanRetry() {
			continue
		}
		now := w.clock.Now()
		err := w.repo.Transition(ctx, d, types.DownloadStatusWaiting, func(d *Download) {
			d.ActivateForRetry(now)
		})
		if err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("retry reactivation skipped")
			continue
		}
		w.logger.Info().Str(log.FieldDownloadID, d.ID).
			Int("retry_count", d.RetryCount).Msg("download reactivated for retry")
	}
	return nil
}

// escalateExhausted moves repeat-offender sources to the blocklist. An
// exhausted failed download nominates its source key; only when that key
// produced at least escalationThreshold failures inside the trailing
// window does the entry land, and then every sibling failure from the
// same key is blocklisted with it.
func (w *QueueWorker) escalateExhausted(ctx context.Context) error {
	exhausted, err := w.repo.ListExhausted(ctx, w.cfg.MaxPerCycle)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, d := range exhausted {
		username, filepath := escalationKey(d)
		key := username + "\x00" + filepath
		if seen[key] {
			continue
		}
		seen[key] = true

		since := w.clock.Now().Add(-escalationWindow)
		count, err := w.repo.CountRecentFailures(ctx, username, filepath, d.ErrorCode, since)
		if err != nil {
			return err
		}
		if count < escalationThreshold {
			continue
		}

		entry := w.escalationEntry(d, count)
		if _, err := w.blocklist.Add(ctx, entry); err != nil {
			w.logger.Error().Err(err).Str(log.FieldDownloadID, d.ID).Msg("blocklist upsert failed")
			continue
		}

		siblings, err := w.repo.ListFailedBySource(ctx, username, filepath, 0)
		if err != nil {
			return err
		}
		for _, s := range siblings {
			if err := w.repo.Transition(ctx, s, types.DownloadStatusBlocklisted, nil); err != nil {
				w.logger.Warn().Err(err).Str(log.FieldDownloadID, s.ID).Msg("blocklist transition skipped")
			}
		}

		metrics.IncDownloadBlocklisted(string(entry.Scope))
		w.logger.Warn().
			Str(log.FieldUsername, username).
			Str(log.FieldPath, filepath).
			Str("scope", string(entry.Scope)).
			Int("failure_count", count).
			Str(log.FieldErrorCode, string(d.ErrorCode)).
			Msg("source escalated to blocklist")
	}
	return nil
}

// escalationKey picks which half of the (username, filepath) pair
// identifies the offending source for a failure code. A peer that blocked
// us is the problem regardless of file; a missing file is the problem
// regardless of peer; anything else blames the exact pair.
func escalationKey(d *Download) (username, filepath string) {
	switch d.ErrorCode {
	case errcode.UserBlocked:
		return d.Username, ""
	case errcode.FileNotFound:
		return "", d.Filepath
	default:
		return d.Username, d.Filepath
	}
}

func (w *QueueWorker) escalationEntry(d *Download, count int) BlocklistEntry {
	now := w.clock.Now()

	switch d.ErrorCode {
	case errcode.UserBlocked:
		// The peer rejected us explicitly; no expiry.
		return BlocklistEntry{
			Scope:        types.BlocklistScopeUsername,
			Username:     d.Username,
			ReasonCode:   d.ErrorCode,
			FailureCount: count,
		}
	case errcode.FileNotFound:
		return BlocklistEntry{
			Scope:        types.BlocklistScopeFilepath,
			Filepath:     d.Filepath,
			ReasonCode:   d.ErrorCode,
			FailureCount: count,
			ExpiresAt:    now.Add(DefaultBlocklistTTL),
		}
	default:
		return BlocklistEntry{
			Scope:        types.BlocklistScopeSpecific,
			Username:     d.Username,
			Filepath:     d.Filepath,
			ReasonCode:   d.ErrorCode,
			FailureCount: count,
			ExpiresAt:    now.Add(DefaultBlocklistTTL),
		}
	}
}
