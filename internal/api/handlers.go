// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/tonearm/internal/download"
	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/types"
)

type handlers struct {
	deps Deps
}

type statusResponse struct {
	Library struct {
		Artists   int `json:"artists"`
		Albums    int `json:"albums"`
		Tracks    int `json:"tracks"`
		Playlists int `json:"playlists"`
	} `json:"library"`
	Downloads map[types.DownloadStatus]int `json:"downloads"`
	Queue     map[string]int               `json:"queue_pending"`
	Tasks     []coordinatorTaskView        `json:"tasks"`
	Workers   []workerView                 `json:"workers"`
	Breakers  map[string]string            `json:"circuit_breakers"`
}

type coordinatorTaskView struct {
	Type      string    `json:"type"`
	LastRun   time.Time `json:"last_run"`
	Running   bool      `json:"running"`
	LastError string    `json:"last_error,omitempty"`
}

type workerView struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Detail    string `json:"detail"`
	LastError string `json:"last_error,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp statusResponse

	var err error
	resp.Library.Artists, resp.Library.Albums, resp.Library.Tracks, resp.Library.Playlists, err =
		h.deps.Library.Counts(ctx)
	if err != nil {
		writeKindedError(w, err)
		return
	}

	if resp.Downloads, err = h.deps.Downloads.CountByStatus(ctx); err != nil {
		writeKindedError(w, err)
		return
	}
	if resp.Queue, err = h.deps.Queue.CountByStatus(ctx, types.WorkStatusPending); err != nil {
		writeKindedError(w, err)
		return
	}

	for _, ts := range h.deps.Scheduler.Snapshot() {
		resp.Tasks = append(resp.Tasks, coordinatorTaskView{
			Type:      ts.Type.String(),
			LastRun:   ts.LastRun,
			Running:   ts.Running,
			LastError: ts.LastError,
		})
	}
	for _, ws := range h.deps.Orchestrator.Statuses() {
		resp.Workers = append(resp.Workers, workerView{
			Name:      ws.Name,
			State:     string(ws.State),
			Detail:    ws.Detail,
			LastError: ws.LastError,
		})
	}
	resp.Breakers = h.deps.Breakers.States()

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listQueue(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{
		Status:  types.WorkStatus(r.URL.Query().Get("status")),
		JobType: r.URL.Query().Get("job_type"),
		Limit:   100,
	}
	items, err := h.deps.Queue.ListFiltered(r.Context(), filter)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handlers) listDownloads(w http.ResponseWriter, r *http.Request) {
	status := types.DownloadStatus(r.URL.Query().Get("status"))
	if status == "" {
		counts, err := h.deps.Downloads.CountByStatus(r.Context())
		if err != nil {
			writeKindedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
		return
	}
	if !status.IsValid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + string(status)})
		return
	}

	downloads, err := h.deps.Downloads.ListByStatus(r.Context(), status, 100)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": downloads})
}

// retryDownload returns a failed download to waiting, resetting its
// retry bookkeeping. Manual retries ignore the backoff schedule.
func (h *handlers) retryDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	d, err := h.deps.Downloads.Get(ctx, id)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	if d.Status != types.DownloadStatusFailed {
		writeJSON(w, http.StatusConflict,
			map[string]string{"error": "only failed downloads can be retried"})
		return
	}

	now := time.Now()
	if err := h.deps.Downloads.Transition(ctx, d, types.DownloadStatusWaiting, func(d *download.Download) {
		d.ActivateForRetry(now)
	}); err != nil {
		writeKindedError(w, err)
		return
	}

	l := log.WithComponentFromContext(ctx, "api")
	l.Info().
		Str(log.FieldDownloadID, id).Msg("manual retry accepted")
	writeJSON(w, http.StatusAccepted, d)
}

func (h *handlers) listBlocklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Blocklist.List(r.Context())
	if err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) runTask(w http.ResponseWriter, r *http.Request) {
	taskType, err := types.ParseTaskType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.deps.Scheduler.RunNow(r.Context(), taskType); err != nil {
		writeKindedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": taskType.String(), "state": "scheduled"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

// writeKindedError maps the error taxonomy onto HTTP statuses.
func writeKindedError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errkind.KindOf(err) {
	case errkind.KindValidation:
		code = http.StatusBadRequest
	case errkind.KindNotFound:
		code = http.StatusNotFound
	case errkind.KindInvalidState:
		code = http.StatusConflict
	case errkind.KindRateLimited:
		code = http.StatusTooManyRequests
	case errkind.KindTransient:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
