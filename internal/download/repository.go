// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/types"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Repository persists downloads in the shared SQLite database. Every
// status change goes through Transition so the state machine is enforced
// at the storage boundary, not just in worker code.
type Repository struct {
	db    *sql.DB
	clock clock
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*Repository)

// WithClock injects a deterministic clock for tests.
func WithClock(c clock) RepositoryOption {
	return func(r *Repository) { r.clock = c }
}

// NewRepository creates a repository over an already-migrated database.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, clock: realClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const downloadColumns = `id, track_id, username, filepath, filename, external_id,
	status, priority, error_code, error_message, retry_count, max_retries,
	next_retry_at_ms, size_bytes, transferred_bytes, dispatch_job_id,
	started_at_ms, completed_at_ms, last_touched_at_ms,
	created_at_ms, updated_at_ms`

// Create inserts a new download in the waiting state and returns it.
func (r *Repository) Create(ctx context.Context, trackID, username, filepath, filename string, size int64, priority int) (*Download, error) {
	if username == "" || filepath == "" {
		return nil, errkind.New(errkind.KindValidation, "download: username and filepath are required")
	}
	if filename == "" {
		filename = filepath
	}

	now := r.clock.Now()
	d := &Download{
		ID:            uuid.NewString(),
		TrackID:       trackID,
		Username:      username,
		Filepath:      filepath,
		Filename:      filename,
		Status:        types.DownloadStatusWaiting,
		Priority:      priority,
		MaxRetries:    3,
		SizeBytes:     size,
		LastTouchedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (
			id, track_id, username, filepath, filename, external_id, status,
			priority, error_code, error_message, retry_count, max_retries,
			next_retry_at_ms, size_bytes, transferred_bytes,
			last_touched_at_ms, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL, 0, ?, NULL, ?, 0, ?, ?, ?)`,
		d.ID, nullable(d.TrackID), d.Username, d.Filepath, d.Filename,
		d.Status, d.Priority, d.MaxRetries, d.SizeBytes,
		now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("download: create: %w", err)
	}
	return d, nil
}

// Get returns a download by id.
func (r *Repository) Get(ctx context.Context, id string) (*Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "download %s not found", id)
	}
	return d, err
}

// GetByExternalID returns the download tracking a given client transfer.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE external_id = ?`, externalID)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "download with external id %s not found", externalID)
	}
	return d, err
}

// GetActiveByFingerprint matches a client transfer that has no external id
// yet by its (username, filename) pair, restricted to active downloads.
func (r *Repository) GetActiveByFingerprint(ctx context.Context, username, filename string) (*Download, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE username = ? AND filename = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at_ms DESC LIMIT 1`,
		username, filename,
		types.DownloadStatusWaiting, types.DownloadStatusPending,
		types.DownloadStatusQueued, types.DownloadStatusDownloading)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "no active download for %s/%s", username, filename)
	}
	return d, err
}

// Transition moves a download from its current status to a new one,
// enforcing the state machine with a guarded UPDATE. The mutate callback
// adjusts the in-memory entity before the row is written. Entering queued
// stamps started_at; entering a terminal status stamps completed_at.
func (r *Repository) Transition(ctx context.Context, d *Download, to types.DownloadStatus, mutate func(*Download)) error {
	return r.transition(ctx, r.db, d, to, mutate)
}

// TransitionTx is Transition inside the caller's transaction, so the
// status change commits or rolls back with the caller's other writes.
func (r *Repository) TransitionTx(ctx context.Context, tx *sql.Tx, d *Download, to types.DownloadStatus, mutate func(*Download)) error {
	return r.transition(ctx, tx, d, to, mutate)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) transition(ctx context.Context, db execer, d *Download, to types.DownloadStatus, mutate func(*Download)) error {
	from := d.Status
	if !from.CanTransitionTo(to) {
		return errkind.Newf(errkind.KindInvalidState,
			"download %s: illegal transition %s -> %s", d.ID, from, to)
	}

	now := r.clock.Now()
	d.Status = to
	d.UpdatedAt = now
	d.LastTouchedAt = now
	if mutate != nil {
		mutate(d)
	}
	switch to {
	case types.DownloadStatusQueued:
		d.StartedAt = now
	case types.DownloadStatusCompleted, types.DownloadStatusFailed,
		types.DownloadStatusCancelled, types.DownloadStatusBlocklisted:
		d.CompletedAt = now
	}

	res, err := db.ExecContext(ctx, `
		UPDATE downloads SET
			status = ?, external_id = ?, error_code = ?, error_message = ?,
			retry_count = ?, next_retry_at_ms = ?, size_bytes = ?,
			transferred_bytes = ?, dispatch_job_id = ?, started_at_ms = ?,
			completed_at_ms = ?, last_touched_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?`,
		d.Status, nullable(d.ExternalID), nullable(string(d.ErrorCode)),
		nullable(d.ErrorMessage), d.RetryCount, nullableMs(d.NextRetryAt),
		d.SizeBytes, d.TransferredBytes, nullable(d.DispatchJobID),
		nullableMs(d.StartedAt), nullableMs(d.CompletedAt),
		d.LastTouchedAt.UnixMilli(), d.UpdatedAt.UnixMilli(), d.ID, from)
	if err != nil {
		return fmt.Errorf("download: transition %s: %w", d.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errkind.Newf(errkind.KindInvalidState,
			"download %s: concurrent transition, row is no longer %s", d.ID, from)
	}

	metrics.IncDownloadTransition(string(from), string(to))
	return nil
}

// TouchProgress updates transfer counters without a state change.
func (r *Repository) TouchProgress(ctx context.Context, id string, transferred, size int64) error {
	now := r.clock.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET transferred_bytes = ?, size_bytes = ?,
			last_touched_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`,
		transferred, size, now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("download: touch %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns downloads in one status, highest priority first,
// then oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status types.DownloadStatus, limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ?
		ORDER BY priority DESC, created_at_ms ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("download: list %s: %w", status, err)
	}
	return collect(rows)
}

// ListActive returns downloads the status worker must reconcile.
func (r *Repository) ListActive(ctx context.Context) ([]*Download, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status IN (?, ?)
		ORDER BY created_at_ms ASC`,
		types.DownloadStatusQueued, types.DownloadStatusDownloading)
	if err != nil {
		return nil, fmt.Errorf("download: list active: %w", err)
	}
	return collect(rows)
}

// ListRetryDue returns failed downloads whose backoff has elapsed.
func (r *Repository) ListRetryDue(ctx context.Context, limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND next_retry_at_ms IS NOT NULL AND next_retry_at_ms <= ?
		ORDER BY next_retry_at_ms ASC LIMIT ?`,
		types.DownloadStatusFailed, r.clock.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("download: list retry due: %w", err)
	}
	return collect(rows)
}

// ListExhausted returns failed downloads with no retry budget left, the
// candidates for blocklist escalation.
func (r *Repository) ListExhausted(ctx context.Context, limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+downloadColumns+` FROM downloads
		WHERE status = ? AND next_retry_at_ms IS NULL
		ORDER BY updated_at_ms ASC LIMIT ?`,
		types.DownloadStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("download: list exhausted: %w", err)
	}
	return collect(rows)
}

// CountRecentFailures sums failure events since the cutoff for downloads
// matching the source key. Each failed row counts its initial failure plus
// every consumed retry; an empty username or filepath leaves that half of
// the key unconstrained. Escalation uses this to require repeated failures
// from the same source before blocklisting it.
func (r *Repository) CountRecentFailures(ctx context.Context, username, filepath string, code errcode.Code, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(retry_count + 1), 0) FROM downloads
		WHERE status = ? AND error_code = ? AND updated_at_ms >= ?`
	args := []any{types.DownloadStatusFailed, string(code), since.UnixMilli()}
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	if filepath != "" {
		query += ` AND filepath = ?`
		args = append(args, filepath)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("download: count recent failures: %w", err)
	}
	return n, nil
}

// ListFailedBySource returns failed downloads matching the source key, so
// an escalation can sweep every sibling failure onto the blocklist at once.
func (r *Repository) ListFailedBySource(ctx context.Context, username, filepath string, limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE status = ?`
	args := []any{types.DownloadStatusFailed}
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	if filepath != "" {
		query += ` AND filepath = ?`
		args = append(args, filepath)
	}
	query += ` ORDER BY updated_at_ms ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("download: list failed by source: %w", err)
	}
	return collect(rows)
}

// CountByStatus returns the number of downloads per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[types.DownloadStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM downloads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("download: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.DownloadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.DownloadStatus(status)] = n
	}
	return counts, rows.Err()
}

// PruneTerminal deletes terminal downloads last touched before the cutoff.
func (r *Repository) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM downloads
		WHERE status IN (?, ?, ?) AND updated_at_ms < ?`,
		types.DownloadStatusCompleted, types.DownloadStatusCancelled,
		types.DownloadStatusBlocklisted, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("download: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func collect(rows *sql.Rows) ([]*Download, error) {
	defer func() { _ = rows.Close() }()
	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDownload(scanner interface{ Scan(...any) error }) (*Download, error) {
	var (
		d           Download
		trackID     sql.NullString
		externalID  sql.NullString
		status      string
		errCode     sql.NullString
		errMsg      sql.NullString
		nextRetry   sql.NullInt64
		sizeBytes   sql.NullInt64
		dispatchJob sql.NullString
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		lastTouched int64
		createdAt   int64
		updatedAt   int64
	)

	err := scanner.Scan(
		&d.ID, &trackID, &d.Username, &d.Filepath, &d.Filename, &externalID,
		&status, &d.Priority, &errCode, &errMsg, &d.RetryCount, &d.MaxRetries,
		&nextRetry, &sizeBytes, &d.TransferredBytes, &dispatchJob,
		&startedAt, &completedAt, &lastTouched,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.TrackID = trackID.String
	d.ExternalID = externalID.String
	d.Status = types.DownloadStatus(status)
	d.ErrorCode = errcode.Code(errCode.String)
	d.ErrorMessage = errMsg.String
	if nextRetry.Valid {
		d.NextRetryAt = time.UnixMilli(nextRetry.Int64)
	}
	d.SizeBytes = sizeBytes.Int64
	d.DispatchJobID = dispatchJob.String
	if startedAt.Valid {
		d.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if completedAt.Valid {
		d.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	d.LastTouchedAt = time.UnixMilli(lastTouched)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
