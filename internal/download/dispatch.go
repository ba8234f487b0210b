// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/resilience"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/types"
)

// Dispatcher is the queue handler behind download.dispatch work items. It
// submits a pending download to the external client behind the circuit
// breaker and then detaches: the status worker settles the item once the
// transfer reaches a terminal state, so the item's lifetime mirrors the
// download's.
type Dispatcher struct {
	repo    *Repository
	client  slskd.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	clock   clock
}

// NewDispatcher creates the handler.
func NewDispatcher(repo *Repository, client slskd.Client, breaker *resilience.CircuitBreaker) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		client:  client,
		breaker: breaker,
		logger:  log.WithComponent("download.dispatcher"),
		clock:   repo.clock,
	}
}

// Register binds the handler into the queue registry.
func (dp *Dispatcher) Register(reg *queue.Registry) error {
	return reg.Register(types.JobTypeDownloadDispatch, dp.Handle)
}

// Handle runs one dispatch item. Re-runs after a crash or lease expiry
// are safe: a download that already reached the client just detaches
// again, and a download that moved past its dispatch completes the item.
func (dp *Dispatcher) Handle(ctx context.Context, item *queue.WorkItem) (any, error) {
	var p dispatchPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, fmt.Errorf("download: dispatch payload: %w", err)
	}

	d, err := dp.repo.Get(ctx, p.DownloadID)
	if errkind.NotFound(err) {
		// Pruned underneath the item; nothing left to submit.
		return map[string]string{"download_id": p.DownloadID, "outcome": "gone"}, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err)
	}

	if d.DispatchJobID != item.ID {
		// A manual retry re-promoted the download with a fresh item.
		return map[string]string{"download_id": d.ID, "outcome": "superseded"}, nil
	}

	switch d.Status {
	case types.DownloadStatusPending:
		return dp.submit(ctx, item, d)
	case types.DownloadStatusQueued, types.DownloadStatusDownloading:
		// Already at the client; the status worker settles this item.
		return nil, queue.ErrDetach
	case types.DownloadStatusCompleted:
		return map[string]string{"download_id": d.ID, "outcome": "completed"}, nil
	default:
		return nil, fmt.Errorf("download %s: %s (%s)", d.ID, d.Status, d.ErrorMessage)
	}
}

func (dp *Dispatcher) submit(ctx context.Context, item *queue.WorkItem, d *Download) (any, error) {
	err := dp.breaker.Execute(func() error {
		return dp.client.Enqueue(ctx, d.Username, d.Filepath, d.SizeBytes)
	})

	if errors.Is(err, resilience.ErrCircuitOpen) {
		if item.Attempts >= item.MaxAttempts {
			// The item's retry budget is gone; hand the download to its
			// own retry path instead of stranding it in pending.
			dp.recordFailure(ctx, d, errcode.ServiceUnavailable,
				"dispatch abandoned: client circuit open")
			return nil, fmt.Errorf("download %s: dispatch abandoned, circuit open", d.ID)
		}
		dp.logger.Debug().Str(log.FieldDownloadID, d.ID).Msg("dispatch deferred, circuit open")
		return nil, errkind.Wrap(errkind.KindTransient, err)
	}

	if err != nil {
		code := errcode.Normalize(err.Error())
		dp.recordFailure(ctx, d, code, err.Error())
		dp.logger.Warn().Err(err).
			Str(log.FieldDownloadID, d.ID).
			Str(log.FieldErrorCode, string(code)).
			Msg("dispatch failed")
		// The download owns further retries; the item itself is spent.
		return nil, fmt.Errorf("download %s: submit: %w", d.ID, err)
	}

	if err := dp.repo.Transition(ctx, d, types.DownloadStatusQueued, nil); err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err)
	}
	dp.logger.Info().
		Str(log.FieldDownloadID, d.ID).
		Str(log.FieldUsername, d.Username).
		Str(log.FieldFilename, d.Filename).
		Msg("download dispatched")
	return nil, queue.ErrDetach
}

func (dp *Dispatcher) recordFailure(ctx context.Context, d *Download, code errcode.Code, message string) {
	now := dp.clock.Now()
	if err := dp.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
		d.RecordFailure(code, message, now)
	}); err != nil {
		dp.logger.Error().Err(err).Str(log.FieldDownloadID, d.ID).Msg("failure transition failed")
		return
	}
	metrics.IncDownloadFailure(string(code))
}
