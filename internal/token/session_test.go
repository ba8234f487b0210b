// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/errkind"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	store := NewMemoryStore(WithStoreClock(clock))
	defer func() { _ = store.Close() }()

	sess := NewSession(time.Hour, clock.Now())
	sess.Values["user"] = "admin"
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Values["user"])

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Delete(ctx, sess.ID))
	_, err = store.Get(ctx, sess.ID)
	assert.True(t, errkind.NotFound(err))
}

func TestMemoryStore_ExpiredSessionIsMissing(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	store := NewMemoryStore(WithStoreClock(clock))
	defer func() { _ = store.Close() }()

	sess := NewSession(time.Hour, clock.Now())
	require.NoError(t, store.Put(ctx, sess))

	clock.Advance(2 * time.Hour)
	_, err := store.Get(ctx, sess.ID)
	assert.True(t, errkind.NotFound(err))
}

func TestMemoryStore_ReadsSlideExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	store := NewMemoryStore(WithStoreClock(clock))
	defer func() { _ = store.Close() }()

	sess := NewSession(time.Hour, clock.Now())
	require.NoError(t, store.Put(ctx, sess))

	// Regular activity keeps the session alive well past the original
	// absolute expiry.
	for i := 0; i < 4; i++ {
		clock.Advance(50 * time.Minute)
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), got.LastAccessedAt)
		assert.Equal(t, clock.Now().Add(time.Hour), got.ExpiresAt)
	}

	// An idle session still lapses after one full window.
	clock.Advance(2 * time.Hour)
	_, err := store.Get(ctx, sess.ID)
	assert.True(t, errkind.NotFound(err))
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	sess := NewSession(time.Hour, time.Now())
	sess.Values["user"] = "admin"
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "admin", got.Values["user"])

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A read re-arms the key TTL, so steady activity outlives the
	// original window.
	mr.FastForward(50 * time.Minute)
	_, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	mr.FastForward(50 * time.Minute)
	_, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)

	// Idle past a full window: the key is gone.
	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, sess.ID)
	assert.True(t, errkind.NotFound(err))

	require.NoError(t, store.Delete(ctx, sess.ID))
}

func TestNewSessionStore_Factory(t *testing.T) {
	store, err := NewSessionStore("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	_ = store.Close()

	_, err = NewSessionStore("etcd", "")
	assert.Error(t, err)
}
