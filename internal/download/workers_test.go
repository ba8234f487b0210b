// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/errcode"
	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/resilience"
	"github.com/ManuGH/tonearm/internal/slskd"
	"github.com/ManuGH/tonearm/internal/types"
)

// fakeClient is an in-memory stand-in for the slskd API.
type fakeClient struct {
	mu         sync.Mutex
	transfers  []slskd.ExternalDownload
	enqueued   []string // filepaths
	cancelled  []string // external ids
	enqueueErr error
	available  bool
}

func (f *fakeClient) IsAvailable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeClient) ListDownloads(context.Context) ([]slskd.ExternalDownload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]slskd.ExternalDownload, len(f.transfers))
	copy(out, f.transfers)
	return out, nil
}

func (f *fakeClient) Enqueue(_ context.Context, _, filepath string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, filepath)
	return nil
}

func (f *fakeClient) Cancel(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeClient) setTransfer(ext slskd.ExternalDownload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.transfers {
		if f.transfers[i].ID == ext.ID {
			f.transfers[i] = ext
			return
		}
	}
	f.transfers = append(f.transfers, ext)
}

func newTestBreaker(clock *mockClock) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("slskd-test", 5, time.Minute, resilience.WithClock(clock))
}

// dlFixture wires the promotion worker, the dispatch handler and their
// shared stores the way the daemon does.
type dlFixture struct {
	clock    *mockClock
	db       *sql.DB
	repo     *Repository
	bl       *Blocklist
	store    *queue.Store
	client   *fakeClient
	registry *queue.Registry
	worker   *QueueWorker
}

func newDLFixture(t *testing.T, breaker *resilience.CircuitBreaker) *dlFixture {
	t.Helper()
	clock := newMockClock()
	db := openTestDB(t)
	f := &dlFixture{
		clock:    clock,
		db:       db,
		repo:     NewRepository(db, WithClock(clock)),
		bl:       NewBlocklist(db, WithClock(clock)),
		store:    queue.NewStore(db, queue.WithClock(clock)),
		client:   &fakeClient{available: true},
		registry: queue.NewRegistry(),
	}
	if breaker == nil {
		breaker = newTestBreaker(clock)
	}
	require.NoError(t, NewDispatcher(f.repo, f.client, breaker).Register(f.registry))
	f.worker = NewQueueWorker(f.repo, f.bl, f.store, f.client, QueueWorkerConfig{MaxPerCycle: 10})
	return f
}

// drainQueue runs dequeued items through their handlers the way the
// runner does, until no runnable item is left.
func (f *dlFixture) drainQueue(ctx context.Context, t *testing.T) {
	t.Helper()
	for {
		item, err := f.store.Dequeue(ctx, "test-worker", time.Minute)
		if errors.Is(err, queue.ErrNoWork) {
			return
		}
		require.NoError(t, err)
		h, ok := f.registry.Lookup(item.JobType)
		require.True(t, ok, "no handler for %s", item.JobType)

		result, herr := h(ctx, item)
		switch {
		case errors.Is(herr, queue.ErrDetach):
		case herr != nil:
			require.NoError(t, f.store.Fail(ctx, item, "test-worker", herr, errkind.IsRetryable(herr)))
		default:
			require.NoError(t, f.store.Complete(ctx, item.ID, "test-worker", result))
		}
	}
}

func TestQueueWorker_PromotionEnqueuesDispatchItem(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	seedTrack(t, f.db, "track-1")
	d, err := f.repo.Create(ctx, "track-1", "peer1", "a\\song.flac", "song.flac", 1000, 5)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)

	// Promotion leaves the download pending with a durable dispatch item
	// carrying its priority; nothing has reached the client yet.
	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusPending, got.Status)
	require.NotEmpty(t, got.DispatchJobID)
	assert.Empty(t, f.client.enqueued)

	item, err := f.store.Get(ctx, got.DispatchJobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeDownloadDispatch, item.JobType)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Equal(t, 5, item.Priority)
	assert.JSONEq(t, fmt.Sprintf(`{"download_id":%q}`, d.ID), string(item.Payload))

	// Running the item submits the transfer and detaches for the status
	// worker to settle.
	f.drainQueue(ctx, t)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusQueued, got.Status)
	assert.False(t, got.StartedAt.IsZero())
	assert.Equal(t, []string{"a\\song.flac"}, f.client.enqueued)

	item, err = f.store.Get(ctx, got.DispatchJobID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusRunning, item.Status)
}

func TestQueueWorker_SkipsCycleWhileClientUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	f.client.available = false

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)

	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusWaiting, got.Status)

	pending, err := f.store.CountByStatus(ctx, types.WorkStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending, "no dispatch items while the client is down")

	// The client comes back; the next cycle promotes.
	f.client.available = true
	f.worker.RunCycle(ctx)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusPending, got.Status)
}

func TestQueueWorker_RespectsMaxPerCycle(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	f.worker = NewQueueWorker(f.repo, f.bl, f.store, f.client, QueueWorkerConfig{MaxPerCycle: 2})

	for i := 0; i < 5; i++ {
		_, err := f.repo.Create(ctx, "", "peer1", "a\\song"+string(rune('a'+i))+".flac", "", 0, 0)
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	f.worker.RunCycle(ctx)

	waiting, err := f.repo.ListByStatus(ctx, types.DownloadStatusWaiting, 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 3)

	pending, err := f.store.CountByStatus(ctx, types.WorkStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[types.JobTypeDownloadDispatch])
}

func TestQueueWorker_BlocklistSuppressesPromotion(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	_, err := f.bl.Add(ctx, BlocklistEntry{
		Scope:      types.BlocklistScopeUsername,
		Username:   "badpeer",
		ReasonCode: errcode.UserBlocked,
	})
	require.NoError(t, err)

	d, err := f.repo.Create(ctx, "", "badpeer", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)

	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusCancelled, got.Status)
	assert.Equal(t, errcode.UserBlocked, got.ErrorCode)

	pending, err := f.store.CountByStatus(ctx, types.WorkStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueWorker_DispatchFailureFollowsRetryPath(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	f.client.enqueueErr = assert.AnError

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)
	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	spentItem := got.DispatchJobID

	f.drainQueue(ctx, t)

	// The failure lands on the download; the item itself is spent.
	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.NextRetryAt.IsZero())

	item, err := f.store.Get(ctx, spentItem)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusFailed, item.Status)

	// Backoff elapses; the next cycles reactivate and re-promote with a
	// fresh dispatch item.
	f.client.mu.Lock()
	f.client.enqueueErr = nil
	f.client.mu.Unlock()
	f.clock.Advance(2 * time.Minute)

	f.worker.RunCycle(ctx) // reactivates failed -> waiting
	f.worker.RunCycle(ctx) // promotes again
	f.drainQueue(ctx, t)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusQueued, got.Status)
	assert.NotEqual(t, spentItem, got.DispatchJobID)
}

func TestQueueWorker_CircuitOpenKeepsDispatchDurable(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	breaker := resilience.NewCircuitBreaker("slskd-open", 1, time.Minute, resilience.WithClock(f.clock))
	require.Error(t, breaker.Execute(func() error { return assert.AnError })) // trip it
	f.registry = queue.NewRegistry()
	require.NoError(t, NewDispatcher(f.repo, f.client, breaker).Register(f.registry))

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)
	f.drainQueue(ctx, t)

	// The open breaker reschedules the item; the download stays pending
	// without consuming its own retry budget.
	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, f.client.enqueued)

	item, err := f.store.Get(ctx, got.DispatchJobID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)

	// Past the reset timeout and the item backoff, the re-run item goes
	// through the recovered breaker.
	f.clock.Advance(2 * time.Minute)
	f.drainQueue(ctx, t)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusQueued, got.Status)
	assert.Equal(t, []string{"a\\song.flac"}, f.client.enqueued)
}

func TestQueueWorker_SingleFailureDoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	d, err := f.repo.Create(ctx, "", "badpeer", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
		d.RecordFailure(errcode.UserBlocked, "transfer rejected", f.clock.Now())
	}))

	f.worker.RunCycle(ctx)

	// One failure is not a pattern; the download stays failed for manual
	// retry and no entry lands.
	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)

	entries, err := f.bl.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueueWorker_EscalatesUserBlockedAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	var ids []string
	for _, file := range []string{"a\\one.flac", "a\\two.flac", "a\\three.flac"} {
		d, err := f.repo.Create(ctx, "", "badpeer", file, "", 0, 0)
		require.NoError(t, err)
		require.NoError(t, f.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
			d.RecordFailure(errcode.UserBlocked, "transfer rejected", f.clock.Now())
		}))
		ids = append(ids, d.ID)
		f.clock.Advance(time.Minute)
	}

	f.worker.RunCycle(ctx)

	// Three rejections inside the window blocklist the peer and sweep
	// every sibling failure with it.
	for _, id := range ids {
		got, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.DownloadStatusBlocklisted, got.Status)
	}

	entries, err := f.bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.BlocklistScopeUsername, entries[0].Scope)
	assert.Equal(t, "badpeer", entries[0].Username)
	assert.Equal(t, 3, entries[0].FailureCount)
	assert.True(t, entries[0].ExpiresAt.IsZero(), "peer blocks never expire")
}

func TestQueueWorker_EscalatesExhaustedRetriesInWindow(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
		d.RetryCount = 2
		d.RecordFailure(errcode.Timeout, "connection timed out", f.clock.Now())
	}))

	f.worker.RunCycle(ctx)

	// An exhausted budget means four timeouts in quick succession, well
	// past the threshold.
	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusBlocklisted, got.Status)

	entries, err := f.bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.BlocklistScopeSpecific, entries[0].Scope)
	assert.Equal(t, 4, entries[0].FailureCount)
	assert.False(t, entries[0].ExpiresAt.IsZero())
}

func TestQueueWorker_SlowFailuresStayFailed(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)

	fail := func(file string) {
		d, err := f.repo.Create(ctx, "", "badpeer", file, "", 0, 0)
		require.NoError(t, err)
		require.NoError(t, f.repo.Transition(ctx, d, types.DownloadStatusFailed, func(d *Download) {
			d.RecordFailure(errcode.UserBlocked, "transfer rejected", f.clock.Now())
		}))
	}

	// Two rejections, then a quiet day, then a third: never three inside
	// one trailing window.
	fail("a\\one.flac")
	fail("a\\two.flac")
	f.clock.Advance(25 * time.Hour)
	fail("a\\three.flac")

	f.worker.RunCycle(ctx)

	entries, err := f.bl.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	failed, err := f.repo.ListByStatus(ctx, types.DownloadStatusFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 3)
}

func TestStatusWorker_HappyPath(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	repo := NewRepository(db, WithClock(clock))
	client := &fakeClient{available: true}

	var completedMu sync.Mutex
	var completed []string
	w := NewStatusWorker(repo, nil, client, newTestBreaker(clock), StatusWorkerConfig{}, func(_ context.Context, d *Download) error {
		completedMu.Lock()
		completed = append(completed, d.TrackID)
		completedMu.Unlock()
		return nil
	})

	seedTrack(t, db, "track-1")
	d, err := repo.Create(ctx, "track-1", "peer1", "a\\song.flac", "song.flac", 1000, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusPending, nil))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusQueued, nil))

	// First the client reports the transfer in progress.
	client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "InProgress", Status: types.DownloadStatusDownloading,
		Size: 1000, BytesTransferred: 400, AverageSpeed: 99,
	})
	w.RunCycle(ctx)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusDownloading, got.Status)
	assert.Equal(t, "ext-1", got.ExternalID)
	assert.Equal(t, int64(400), got.TransferredBytes)
	assert.Equal(t, 99.0, w.Speed(d.ID))

	// Then it succeeds.
	client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "Completed, Succeeded", Status: types.DownloadStatusCompleted,
		Size: 1000, BytesTransferred: 1000,
	})
	w.RunCycle(ctx)

	got, err = repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusCompleted, got.Status)
	assert.Equal(t, got.SizeBytes, got.TransferredBytes)
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, []string{"track-1"}, completed)
	assert.Zero(t, w.Speed(d.ID), "speed cache is dropped on completion")
}

func TestStatusWorker_CompletionSettlesDispatchItem(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	w := NewStatusWorker(f.repo, f.store, f.client, newTestBreaker(f.clock), StatusWorkerConfig{}, nil)

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 1000, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)
	f.drainQueue(ctx, t)

	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, types.DownloadStatusQueued, got.Status)
	jobID := got.DispatchJobID

	f.client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "InProgress", Status: types.DownloadStatusDownloading,
		Size: 1000, BytesTransferred: 600,
	})
	w.RunCycle(ctx)

	item, err := f.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusRunning, item.Status, "item stays open while the transfer runs")

	f.client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "Completed, Succeeded", Status: types.DownloadStatusCompleted,
		Size: 1000, BytesTransferred: 1000,
	})
	w.RunCycle(ctx)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusCompleted, got.Status)

	item, err = f.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusCompleted, item.Status)
	assert.JSONEq(t, fmt.Sprintf(`{"download_id":%q,"status":"completed"}`, d.ID), string(item.Result))
}

func TestStatusWorker_RemoteFailureSettlesDispatchItem(t *testing.T) {
	ctx := context.Background()
	f := newDLFixture(t, nil)
	w := NewStatusWorker(f.repo, f.store, f.client, newTestBreaker(f.clock), StatusWorkerConfig{}, nil)

	d, err := f.repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)

	f.worker.RunCycle(ctx)
	f.drainQueue(ctx, t)

	got, err := f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	jobID := got.DispatchJobID

	f.client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "Completed, Errored", Status: types.DownloadStatusFailed,
		ErrorMessage: "connection reset",
	})
	w.RunCycle(ctx)

	got, err = f.repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)

	item, err := f.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusFailed, item.Status)
	assert.Contains(t, item.LastError, "connection reset")
}

func TestStatusWorker_CompletionCallbackFailureFailsDownload(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	repo := NewRepository(db, WithClock(clock))
	client := &fakeClient{available: true}

	w := NewStatusWorker(repo, nil, client, newTestBreaker(clock), StatusWorkerConfig{}, func(context.Context, *Download) error {
		return errors.New("finished file missing on disk")
	})

	seedTrack(t, db, "track-1")
	d, err := repo.Create(ctx, "track-1", "peer1", "a\\song.flac", "song.flac", 1000, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusPending, nil))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusQueued, nil))

	client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "Completed, Succeeded", Status: types.DownloadStatusCompleted,
		Size: 1000, BytesTransferred: 1000,
	})
	w.RunCycle(ctx)

	// The track-side write failed, so the download must not claim success.
	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)
	assert.Equal(t, errcode.InvalidFile, got.ErrorCode)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.NextRetryAt.IsZero())
}

func TestStatusWorker_RemoteFailureIsNormalized(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	repo := NewRepository(db, WithClock(clock))
	client := &fakeClient{available: true}
	w := NewStatusWorker(repo, nil, client, newTestBreaker(clock), StatusWorkerConfig{}, nil)

	d, err := repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusPending, nil))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusQueued, nil))

	client.setTransfer(slskd.ExternalDownload{
		ID: "ext-1", Username: "peer1", Filename: "a\\song.flac",
		State: "Completed, Errored", Status: types.DownloadStatusFailed,
		ErrorMessage: "file not found on peer",
	})
	w.RunCycle(ctx)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)
	assert.Equal(t, errcode.FileNotFound, got.ErrorCode)
	assert.Zero(t, got.RetryCount, "non-retryable code leaves the budget untouched")
	assert.True(t, got.NextRetryAt.IsZero(), "non-retryable code gets no retry time")
}

func TestStatusWorker_MissingTransferFailsAfterGrace(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	repo := NewRepository(db, WithClock(clock))
	client := &fakeClient{available: true}
	w := NewStatusWorker(repo, nil, client, newTestBreaker(clock), StatusWorkerConfig{}, nil)

	d, err := repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 0, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusPending, nil))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusQueued, nil))

	// Inside the grace window the absence is tolerated.
	w.RunCycle(ctx)
	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusQueued, got.Status)

	clock.Advance(2 * time.Minute)
	w.RunCycle(ctx)
	got, err = repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)
}

func TestStatusWorker_KillsStaleDownloads(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	repo := NewRepository(db, WithClock(clock))
	client := &fakeClient{available: true}
	w := NewStatusWorker(repo, nil, client, newTestBreaker(clock), StatusWorkerConfig{
		StaleThreshold: 12 * time.Hour,
	}, nil)

	d, err := repo.Create(ctx, "", "peer1", "a\\song.flac", "song.flac", 1000, 0)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusPending, nil))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusQueued, func(d *Download) {
		d.ExternalID = "ext-stale"
	}))
	require.NoError(t, repo.Transition(ctx, d, types.DownloadStatusDownloading, nil))

	// The client keeps reporting it in progress but no bytes move for 13h.
	client.setTransfer(slskd.ExternalDownload{
		ID: "ext-stale", Username: "peer1", Filename: "a\\song.flac",
		State: "InProgress", Status: types.DownloadStatusDownloading, Size: 1000,
	})
	clock.Advance(13 * time.Hour)
	w.RunCycle(ctx)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadStatusFailed, got.Status)
	assert.Equal(t, errcode.Timeout, got.ErrorCode)
	assert.Contains(t, client.cancelled, "ext-stale")
}
