// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/resilience"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/types"
)

// missingGrace is how long a queued download may be absent from the
// client's transfer list before it counts as lost. Freshly dispatched
// transfers can take a poll cycle or two to appear.
const missingGrace = time.Minute

// StatusWorkerConfig tunes the reconciliation loop.
type StatusWorkerConfig struct {
	CheckInterval  time.Duration
	StaleThreshold time.Duration
}

// CompletedFunc runs as part of the completed transition, typically to
// record the finished file on the owning track. A non-nil error aborts
// completion: the download fails with invalid_file instead, so a download
// is never marked completed with no usable local file behind it.
type CompletedFunc func(ctx context.Context, d *Download) error

// StatusWorker reconciles local download state against the external
// client. It is the only writer for the queued -> downloading ->
// completed/failed leg of the state machine, and it settles each
// download's dispatch work item when the transfer reaches a terminal
// state.
type StatusWorker struct {
	repo        *Repository
	queue       *queue.Store
	client      slskd.Client
	breaker     *resilience.CircuitBreaker
	cfg         StatusWorkerConfig
	onCompleted CompletedFunc
	logger      zerolog.Logger
	clock       clock

	speedMu sync.RWMutex
	speeds  map[string]float64 // download id -> bytes/sec, in-memory only

	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
	mu      sync.Mutex
	status  string
}

// NewStatusWorker creates the worker. onCompleted may be nil.
func NewStatusWorker(repo *Repository, store *queue.Store, client slskd.Client, breaker *resilience.CircuitBreaker, cfg StatusWorkerConfig, onCompleted CompletedFunc) *StatusWorker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 3 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 12 * time.Hour
	}
	return &StatusWorker{
		repo:        repo,
		queue:       store,
		client:      client,
		breaker:     breaker,
		cfg:         cfg,
		onCompleted: onCompleted,
		logger:      log.WithComponent("download.status_worker"),
		clock:       repo.clock,
		speeds:      make(map[string]float64),
		status:      "stopped",
	}
}

// Start launches the reconciliation loop.
func (w *StatusWorker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.healthy.Store(true)
	w.setStatus("running")

	go w.loop(runCtx)
	w.logger.Info().Dur("interval", w.cfg.CheckInterval).
		Dur("stale_threshold", w.cfg.StaleThreshold).Msg("download status worker started")
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (w *StatusWorker) Stop(ctx context.Context) error {
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
		return fmt.Errorf("download: status worker shutdown timed out: %w", ctx.Err())
	}
}

// IsHealthy reports whether the loop is live.
func (w *StatusWorker) IsHealthy() bool { return w.healthy.Load() }

// Status returns a short state string for the health surface.
func (w *StatusWorker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *StatusWorker) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Speed returns the last observed transfer speed for a download in
// bytes per second. Speeds are ephemeral and reset on restart.
func (w *StatusWorker) Speed(downloadID string) float64 {
	w.speedMu.RLock()
	defer w.speedMu.RUnlock()
	return w.speeds[downloadID]
}

func (w *StatusWorker) loop(ctx context.Context) {
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

// RunCycle executes one reconciliation pass. Exported for tests.
func (w *StatusWorker) RunCycle(ctx context.Context) {
	start := w.clock.Now()

	var externals []slskd.ExternalDownload
	err := w.breaker.Execute(func() error {
		var lerr error
		externals, lerr = w.client.ListDownloads(ctx)
		return lerr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("transfer poll failed")
		}
		return
	}

	active, err := w.repo.ListActive(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("active download listing failed")
		return
	}

	byExternalID := make(map[string]slskd.ExternalDownload, len(externals))
	byFingerprint := make(map[string]slskd.ExternalDownload, len(externals))
	for _, ext := range externals {
		if ext.ID != "" {
			byExternalID[ext.ID] = ext
		}
		byFingerprint[fingerprint(ext.Username, ext.Filename)] = ext
	}

	for _, d := range active {
		ext, found := w.match(d, byExternalID, byFingerprint)
		if !found {
			w.handleMissing(ctx, d)
			continue
		}
		w.reconcile(ctx, d, ext)
	}

	w.killStale(ctx, active)
	w.publishCounts(ctx)
	metrics.ObserveStatusPoll(time.Since(start).Seconds())
}

func (w *StatusWorker) match(d *Download, byExternalID, byFingerprint map[string]slskd.ExternalDownload) (slskd.ExternalDownload, bool) {
	if d.ExternalID != "" {
		if ext, ok := byExternalID[d.ExternalID]; ok {
			return ext, true
		}
	}
	ext, ok := byFingerprint[fingerprint(d.Username, d.Filepath)]
	return ext, ok
}

// fingerprint keys a transfer by peer and file basename, case-folded.
// slskd reports windows-style remote paths.
func fingerprint(username, remotePath string) string {
	base := remotePath
	if i := strings.LastIndexAny(remotePath, "\\/"); i >= 0 {
		base = remotePath[i+1:]
	}
	return strings.ToLower(username) + "|" + strings.ToLower(path.Base(base))
}

func (w *StatusWorker) reconcile(ctx context.Context, d *Download, ext slskd.ExternalDownload) {
	// Learn the external id on first sight and track progress.
	if ext.ID != "" && d.ExternalID == "" {
		d.ExternalID = ext.ID
	}
	if ext.BytesTransferred != d.TransferredBytes || ext.Size != d.SizeBytes {
		d.TransferredBytes = ext.BytesTransferred
		if ext.Size > 0 {
			d.SizeBytes = ext.Size
		}
		if err := w.repo.TouchProgress(ctx, d.ID, d.TransferredBytes, d.SizeBytes); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("progress update failed")
		}
	}

	w.speedMu.Lock()
	w.speeds[d.ID] = ext.AverageSpeed
	w.speedMu.Unlock()

	if ext.Status == d.Status {
		return
	}
	if !d.Status.CanTransitionTo(ext.Status) {
		w.logger.Debug().
			Str(log.FieldDownloadID, d.ID).
			Str(log.FieldOldState, string(d.Status)).
			Str(log.FieldNewState, string(ext.Status)).
			Msg("ignoring illegal remote transition")
		return
	}

	switch ext.Status {
	case types.DownloadStatusDownloading:
		if err := w.repo.Transition(ctx, d, types.DownloadStatusDownloading, nil); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("downloading transition skipped")
		}

	case types.DownloadStatusCompleted:
		// The track-side write is part of the completion transition: if
		// the finished file cannot be recorded, the download fails
		// instead of claiming success.
		if w.onCompleted != nil {
			if err := w.onCompleted(ctx, d); err != nil {
				w.logger.Error().Err(err).
					Str(log.FieldDownloadID, d.ID).
					Str(log.FieldTrackID, d.TrackID).
					Msg("completion side effect failed")
				w.recordFailure(ctx, d, errcode.InvalidFile,
					"completed transfer could not be recorded: "+err.Error())
				return
			}
		}
		if err := w.repo.Transition(ctx, d, types.DownloadStatusCompleted, func(d *Download) {
			d.TransferredBytes = d.SizeBytes
			d.ErrorCode = ""
			d.ErrorMessage = ""
		}); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("completed transition skipped")
			return
		}
		w.forgetSpeed(d.ID)
		w.settleDispatch(ctx, d, nil)
		w.logger.Info().
			Str(log.FieldDownloadID, d.ID).
			Str(log.FieldTrackID, d.TrackID).
			Str(log.FieldFilename, d.Filename).
			Msg("download completed")

	case types.DownloadStatusFailed:
		w.recordRemoteFailure(ctx, d, ext.ErrorMessage, ext.State)

	case types.DownloadStatusCancelled:
		if err := w.repo.Transition(ctx, d, types.DownloadStatusCancelled, nil); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("cancelled transition skipped")
			return
		}
		w.forgetSpeed(d.ID)
		w.settleDispatch(ctx, d, errors.New("transfer cancelled"))
	}
}

// settleDispatch closes the download's dispatch work item alongside the
// download's own terminal transition. Losing the settlement race to the
// stale sweep is harmless: the re-run item sees a terminal download and
// settles itself.
func (w *StatusWorker) settleDispatch(ctx context.Context, d *Download, failure error) {
	if w.queue == nil || d.DispatchJobID == "" {
		return
	}
	var result any
	if failure == nil {
		result = map[string]string{"download_id": d.ID, "status": string(d.Status)}
	}
	err := w.queue.Resolve(ctx, d.DispatchJobID, result, failure)
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		w.logger.Warn().Err(err).
			Str(log.FieldDownloadID, d.ID).
			Str(log.FieldJobID, d.DispatchJobID).
			Msg("dispatch item settlement failed")
	}
}

// handleMissing deals with an active download the client no longer
// reports. A short grace covers freshly dispatched transfers.
func (w *StatusWorker) handleMissing(ctx context.Context, d *Download) {
	if w.clock.Now().Sub(d.LastTouchedAt) < missingGrace {
		return
	}
	w.recordRemoteFailure(ctx, d, "transfer missing from client", "")
}

func (w *StatusWorker) recordRemoteFailure(ctx context.Context, d *Download, message, rawState string) {
	if message == "" {
		message = rawState
	}
	w.recordFailure(ctx, d, errcode.Normalize(message), message)
}

func (w *StatusWorker) recordFailure(ctx context.Context, d *Download, code errcode.Code, message string) {
	now := w.clock.Now()
	if err := w.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
		d.RecordFailure(code, message, now)
	}); err != nil {
		w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("failed transition skipped")
		return
	}
	w.forgetSpeed(d.ID)
	w.settleDispatch(ctx, d, fmt.Errorf("%s: %s", code, message))
	metrics.IncDownloadFailure(string(code))
	w.logger.Warn().
		Str(log.FieldDownloadID, d.ID).
		Str(log.FieldErrorCode, string(code)).
		Str("message", message).
		Msg("download failed")
}

// killStale fails downloads stuck in downloading past the stale
// threshold and cancels their remote transfer.
func (w *StatusWorker) killStale(ctx context.Context, active []*Download) {
	now := w.clock.Now()
	for _, d := range active {
		if d.Status != types.DownloadStatusDownloading {
			continue
		}
		if now.Sub(d.LastTouchedAt) < w.cfg.StaleThreshold {
			continue
		}

		if d.ExternalID != "" {
			if err := w.client.Cancel(ctx, d.Username, d.ExternalID); err != nil {
				w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("stale transfer cancel failed")
			}
		}

		if err := w.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
			d.RecordFailure(errcode.Timeout, "stalled beyond stale threshold", now)
		}); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldDownloadID, d.ID).Msg("stale transition skipped")
			continue
		}
		w.forgetSpeed(d.ID)
		w.settleDispatch(ctx, d, errors.New("stalled beyond stale threshold"))
		metrics.IncStaleDownloadsKilled()
		w.logger.Warn().
			Str(log.FieldDownloadID, d.ID).
			Time("last_touched", d.LastTouchedAt).
			Msg("stale download killed")
	}
}

func (w *StatusWorker) forgetSpeed(id string) {
	w.speedMu.Lock()
	delete(w.speeds, id)
	w.speedMu.Unlock()
}

func (w *StatusWorker) publishCounts(ctx context.Context) {
	counts, err := w.repo.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range types.AllDownloadStatuses() {
		metrics.SetDownloadsByStatus(string(status), counts[status])
	}
}
