// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/types"
)

func TestRegistry_DoubleRegisterRejected(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *WorkItem) (any, error) { return nil, nil }

	require.NoError(t, r.Register("library.artist_sync", noop))
	assert.Error(t, r.Register("library.artist_sync", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("library.cleanup", nil))

	h, ok := r.Lookup("library.artist_sync")
	assert.True(t, ok)
	assert.NotNil(t, h)
}

func TestRunner_ExecutesItems(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	registry := NewRegistry()

	var ran atomic.Int32
	require.NoError(t, registry.Register("library.track_sync", func(ctx context.Context, item *WorkItem) (any, error) {
		ran.Add(1)
		return map[string]int{"tracks": 3}, nil
	}))

	id, err := store.Enqueue(ctx, "library.track_sync", nil, EnqueueOptions{})
	require.NoError(t, err)

	runner := NewRunner(store, registry, RunnerConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, runner.Start(ctx))

	require.Eventually(t, func() bool {
		item, err := store.Get(ctx, id)
		return err == nil && item.Status == types.WorkStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), ran.Load())

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tracks":3}`, string(item.Result))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))
}

func TestRunner_UnroutableItemFailsTerminally(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	registry := NewRegistry()

	id, err := store.Enqueue(ctx, "no.such.type", nil, EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	runner := NewRunner(store, registry, RunnerConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	require.NoError(t, runner.Start(ctx))

	require.Eventually(t, func() bool {
		item, err := store.Get(ctx, id)
		return err == nil && item.Status == types.WorkStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))
}

func TestRunner_PanicStrandsLeaseForSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	clock := newMockClock()
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, WithClock(clock))
	registry := NewRegistry()

	require.NoError(t, registry.Register("panics", func(context.Context, *WorkItem) (any, error) {
		panic("boom")
	}))
	var ran atomic.Int32
	require.NoError(t, registry.Register("fine", func(context.Context, *WorkItem) (any, error) {
		ran.Add(1)
		return nil, nil
	}))

	panicID, err := store.Enqueue(ctx, "panics", nil, EnqueueOptions{})
	require.NoError(t, err)
	fineID, err := store.Enqueue(ctx, "fine", nil, EnqueueOptions{})
	require.NoError(t, err)

	runner := NewRunner(store, registry, RunnerConfig{
		Workers:       1,
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		SweepInterval: time.Hour, // sweep driven by hand below
	})
	require.NoError(t, runner.Start(ctx))

	// The panic does not take the worker down, and the panicked item is
	// deliberately left running under its lease.
	require.Eventually(t, func() bool {
		f, err := store.Get(ctx, fineID)
		return err == nil && f.Status == types.WorkStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), ran.Load())

	p, err := store.Get(ctx, panicID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusRunning, p.Status)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))

	// The lease expires and the sweep returns the item to pending without
	// consuming a retry.
	clock.Advance(2 * time.Minute)
	n, err := store.ReclaimStaleLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err = store.Get(ctx, panicID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkStatusPending, p.Status)
	assert.Zero(t, p.Attempts)
}

func TestRunner_RetryableErrorReschedules(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db)
	registry := NewRegistry()

	require.NoError(t, registry.Register("flaky", func(context.Context, *WorkItem) (any, error) {
		return nil, errkind.New(errkind.KindTransient, "upstream hiccup")
	}))

	id, err := store.Enqueue(ctx, "flaky", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	runner := NewRunner(store, registry, RunnerConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
	require.NoError(t, runner.Start(ctx))

	// After the first failure the item is pending again with a future run time.
	require.Eventually(t, func() bool {
		item, err := store.Get(ctx, id)
		return err == nil && item.Status == types.WorkStatusPending && item.Attempts == 1
	}, 3*time.Second, 10*time.Millisecond)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "upstream hiccup", item.LastError)
	assert.True(t, item.NextRunAt.After(time.Now()))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, runner.Stop(stopCtx))
}
