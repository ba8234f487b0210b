// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/metrics"
	"github.com/ManuGH/tonearm/internal/types"
)

// ErrNoWork signals an empty queue on Dequeue.
var ErrNoWork = errors.New("queue: no runnable work item")

// ErrLeaseLost signals that a settlement lost the race against the stale
// lease sweeper: the item is no longer running under the caller's lease.
var ErrLeaseLost = errors.New("queue: lease no longer held")

// ErrDetach tells the runner to leave a handler's item running under its
// lease instead of settling it. An external reconciler settles the item
// later via Resolve; if it never does, the stale-lease sweep re-runs the
// item, so detaching handlers must be idempotent.
var ErrDetach = errors.New("queue: item detached for external settlement")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store persists work items in the shared SQLite database.
type Store struct {
	db    *sql.DB
	clock clock
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock injects a deterministic clock for tests.
func WithClock(c clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a store over an already-migrated database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, clock: realClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts a new pending item and returns its id.
func (s *Store) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	return s.enqueue(ctx, s.db, jobType, payload, opts)
}

// EnqueueTx inserts a new pending item inside the caller's transaction, so
// the item commits or rolls back together with the caller's own writes.
func (s *Store) EnqueueTx(ctx context.Context, tx *sql.Tx, jobType string, payload any, opts EnqueueOptions) (string, error) {
	return s.enqueue(ctx, tx, jobType, payload, opts)
}

func (s *Store) enqueue(ctx context.Context, db execer, jobType string, payload any, opts EnqueueOptions) (string, error) {
	if jobType == "" {
		return "", errors.New("queue: job type is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	if payload == nil {
		raw = []byte("{}")
	}

	now := s.clock.Now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	id := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO background_jobs (
			id, job_type, payload, status, priority, attempts, max_attempts,
			next_run_at_ms, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, jobType, string(raw), types.WorkStatusPending, opts.Priority,
		maxAttempts, runAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}

	metrics.IncJobEnqueued(jobType)
	return id, nil
}

// Dequeue atomically claims the next runnable item for owner. Selection
// order is priority descending, then creation time ascending, so equal
// priorities run oldest first. The claim and the lease are one conditional
// UPDATE, which is SQLite's equivalent of a skip-locked row claim.
func (s *Store) Dequeue(ctx context.Context, owner string, lease time.Duration) (*WorkItem, error) {
	now := s.clock.Now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE background_jobs SET
			status = ?,
			lease_owner = ?,
			lease_expires_at_ms = ?,
			started_at_ms = ?,
			updated_at_ms = ?
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = ? AND next_run_at_ms <= ?
			ORDER BY priority DESC, created_at_ms ASC
			LIMIT 1
		) AND status = ?
		RETURNING id, job_type, payload, status, priority, attempts, max_attempts,
			next_run_at_ms, lease_owner, lease_expires_at_ms, last_error, result,
			created_at_ms, updated_at_ms, started_at_ms, finished_at_ms`,
		types.WorkStatusRunning, owner, now.Add(lease).UnixMilli(),
		now.UnixMilli(), now.UnixMilli(),
		types.WorkStatusPending, now.UnixMilli(), types.WorkStatusPending)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return item, nil
}

// Complete settles a running item as completed, recording the handler's
// result. The owner must still hold the lease.
func (s *Store) Complete(ctx context.Context, id, owner string, result any) error {
	raw, err := marshalResult(result)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}

	now := s.clock.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
			last_error = NULL, result = ?, finished_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		types.WorkStatusCompleted, raw, now, now, id, types.WorkStatusRunning, owner)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	return s.requireOneRow(res)
}

// Resolve settles a running item from outside the lease holder. The
// download status worker uses this for dispatch items whose outcome
// arrives from the remote client long after the handler detached. A nil
// failure completes the item with result; otherwise it fails terminally.
func (s *Store) Resolve(ctx context.Context, id string, result any, failure error) error {
	now := s.clock.Now().UnixMilli()

	if failure == nil {
		raw, err := marshalResult(result)
		if err != nil {
			return fmt.Errorf("queue: resolve %s: %w", id, err)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET
				status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
				last_error = NULL, result = ?, finished_at_ms = ?, updated_at_ms = ?
			WHERE id = ? AND status = ?`,
			types.WorkStatusCompleted, raw, now, now, id, types.WorkStatusRunning)
		if err != nil {
			return fmt.Errorf("queue: resolve %s: %w", id, err)
		}
		return s.requireOneRow(res)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
			last_error = ?, finished_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?`,
		types.WorkStatusFailed, failure.Error(), now, now, id, types.WorkStatusRunning)
	if err != nil {
		return fmt.Errorf("queue: resolve %s: %w", id, err)
	}
	return s.requireOneRow(res)
}

func marshalResult(result any) (any, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return string(raw), nil
}

// Fail settles a running item after an error. Retryable failures with
// retry budget remaining consume one retry and go back to pending after
// the backoff; anything else becomes terminally failed. Only Fail counts
// attempts, so lease-expiry reclaims never burn the budget.
func (s *Store) Fail(ctx context.Context, item *WorkItem, owner string, failure error, retryable bool) error {
	now := s.clock.Now()
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}

	if retryable && item.Attempts < item.MaxAttempts {
		res, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs SET
				status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
				attempts = attempts + 1,
				last_error = ?, next_run_at_ms = ?, updated_at_ms = ?
			WHERE id = ? AND status = ? AND lease_owner = ?`,
			types.WorkStatusPending, msg,
			now.Add(Backoff(item.Attempts+1)).UnixMilli(), now.UnixMilli(),
			item.ID, types.WorkStatusRunning, owner)
		if err != nil {
			return fmt.Errorf("queue: reschedule %s: %w", item.ID, err)
		}
		if err := s.requireOneRow(res); err != nil {
			return err
		}
		metrics.IncJobRetried(item.JobType)
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
			last_error = ?, finished_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		types.WorkStatusFailed, msg, now.UnixMilli(), now.UnixMilli(),
		item.ID, types.WorkStatusRunning, owner)
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", item.ID, err)
	}
	if err := s.requireOneRow(res); err != nil {
		return err
	}
	metrics.IncJobCompleted(item.JobType, string(types.WorkStatusFailed))
	return nil
}

// Cancel terminally cancels an item from any non-terminal state.
// Cancelling an already-cancelled item is a no-op. A running item's
// handler is not interrupted, but its later settlement finds the lease
// gone.
func (s *Store) Cancel(ctx context.Context, id string) error {
	now := s.clock.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
			finished_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status IN (?, ?)`,
		types.WorkStatusCancelled, now, now, id,
		types.WorkStatusPending, types.WorkStatusRunning)
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == types.WorkStatusCancelled {
		return nil
	}
	return errkind.Newf(errkind.KindInvalidState,
		"queue: cancel %s: item already %s", id, item.Status)
}

// ReclaimStaleLeases returns running items with expired leases to pending.
// The worker that held the lease may have crashed mid-item; the item runs
// again, so handlers must be idempotent.
func (s *Store) ReclaimStaleLeases(ctx context.Context) (int, error) {
	now := s.clock.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?, lease_owner = NULL, lease_expires_at_ms = NULL,
			next_run_at_ms = ?, updated_at_ms = ?
		WHERE status = ? AND lease_expires_at_ms IS NOT NULL AND lease_expires_at_ms < ?`,
		types.WorkStatusPending, now, now, types.WorkStatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim stale leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.IncStaleLeaseReclaims(int(n))
	}
	return int(n), nil
}

// CountByStatus returns item counts per job type for one status.
func (s *Store) CountByStatus(ctx context.Context, status types.WorkStatus) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, COUNT(*) FROM background_jobs WHERE status = ? GROUP BY job_type`, status)
	if err != nil {
		return nil, fmt.Errorf("queue: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var jobType string
		var n int
		if err := rows.Scan(&jobType, &n); err != nil {
			return nil, err
		}
		counts[jobType] = n
	}
	return counts, rows.Err()
}

// ListFilter narrows a List call. Zero values mean no constraint.
type ListFilter struct {
	Status  types.WorkStatus
	JobType string
	Limit   int
}

// List returns the most recent items, newest first, capped at limit.
func (s *Store) List(ctx context.Context, limit int) ([]*WorkItem, error) {
	return s.ListFiltered(ctx, ListFilter{Limit: limit})
}

// ListFiltered returns the most recent matching items, newest first.
func (s *Store) ListFiltered(ctx context.Context, f ListFilter) ([]*WorkItem, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `
		SELECT id, job_type, payload, status, priority, attempts, max_attempts,
			next_run_at_ms, lease_owner, lease_expires_at_ms, last_error, result,
			created_at_ms, updated_at_ms, started_at_ms, finished_at_ms
		FROM background_jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, f.JobType)
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get returns a single item by id.
func (s *Store) Get(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, payload, status, priority, attempts, max_attempts,
			next_run_at_ms, lease_owner, lease_expires_at_ms, last_error, result,
			created_at_ms, updated_at_ms, started_at_ms, finished_at_ms
		FROM background_jobs WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "queue: item %s not found", id)
	}
	return item, err
}

// PruneFinished deletes terminal items older than the cutoff.
func (s *Store) PruneFinished(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM background_jobs
		WHERE status IN (?, ?, ?) AND finished_at_ms < ?`,
		types.WorkStatusCompleted, types.WorkStatusFailed, types.WorkStatusCancelled,
		olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func scanItem(scanner interface{ Scan(...any) error }) (*WorkItem, error) {
	var (
		item       WorkItem
		payload    string
		status     string
		leaseOwner sql.NullString
		leaseExp   sql.NullInt64
		lastError  sql.NullString
		result     sql.NullString
		nextRun    int64
		createdAt  int64
		updatedAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)

	err := scanner.Scan(
		&item.ID, &item.JobType, &payload, &status, &item.Priority,
		&item.Attempts, &item.MaxAttempts, &nextRun, &leaseOwner, &leaseExp,
		&lastError, &result, &createdAt, &updatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = json.RawMessage(payload)
	if result.Valid {
		item.Result = json.RawMessage(result.String)
	}
	item.Status = types.WorkStatus(status)
	item.NextRunAt = time.UnixMilli(nextRun)
	item.LeaseOwner = leaseOwner.String
	if leaseExp.Valid {
		item.LeaseExpiry = time.UnixMilli(leaseExp.Int64)
	}
	item.LastError = lastError.String
	item.CreatedAt = time.UnixMilli(createdAt)
	item.UpdatedAt = time.UnixMilli(updatedAt)
	if startedAt.Valid {
		item.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if finishedAt.Valid {
		item.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &item, nil
}
