// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/persistence/sqlite"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedToken(t *testing.T, repo *Repository, clock *mockClock, service string, ttl time.Duration) {
	t.Helper()
	require.NoError(t, repo.Save(context.Background(), &Token{
		Service:      service,
		AccessToken:  "access-old",
		RefreshToken: "refresh-1",
		ExpiresAt:    clock.Now().Add(ttl),
	}))
}

func TestManager_FreshTokenSkipsRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	seedToken(t, repo, clock, "spotify", time.Hour)
	m.RegisterService("spotify", func(context.Context, string) (*Token, error) {
		t.Fatal("refresh must not be called for a fresh token")
		return nil, nil
	})

	access, err := m.AccessToken(ctx, "spotify")
	require.NoError(t, err)
	assert.Equal(t, "access-old", access)
}

func TestManager_RefreshesInsideLeewayWindow(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	// Expires in 30s, leeway is 60s: refresh now.
	seedToken(t, repo, clock, "spotify", 30*time.Second)
	m.RegisterService("spotify", func(_ context.Context, refreshToken string) (*Token, error) {
		assert.Equal(t, "refresh-1", refreshToken)
		return &Token{
			AccessToken:  "access-new",
			RefreshToken: "refresh-2",
			ExpiresAt:    clock.Now().Add(time.Hour),
		}, nil
	})

	access, err := m.AccessToken(ctx, "spotify")
	require.NoError(t, err)
	assert.Equal(t, "access-new", access)

	// The rotated refresh token is persisted.
	stored, err := repo.Get(ctx, "spotify")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", stored.RefreshToken)
}

func TestManager_ConcurrentCallersSingleRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	seedToken(t, repo, clock, "spotify", 0)

	var refreshes atomic.Int32
	gate := make(chan struct{})
	m.RegisterService("spotify", func(context.Context, string) (*Token, error) {
		refreshes.Add(1)
		<-gate
		return &Token{
			AccessToken: "access-new",
			ExpiresAt:   clock.Now().Add(time.Hour),
		}, nil
	})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.AccessToken(ctx, "spotify")
		}(i)
	}

	// Let callers pile up behind the single flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-new", results[i])
	}
	assert.Equal(t, int32(1), refreshes.Load(), "exactly one upstream refresh")
}

func TestManager_InvalidGrantFlagsNeedsReauth(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	seedToken(t, repo, clock, "deezer", 0)
	m.RegisterService("deezer", func(context.Context, string) (*Token, error) {
		return nil, errkind.New(errkind.KindNeedsReauth, "invalid_grant")
	})

	_, err := m.AccessToken(ctx, "deezer")
	assert.True(t, errkind.NeedsReauth(err))

	// The flag is persisted and later callers fail fast without a refresh.
	stored, err := repo.Get(ctx, "deezer")
	require.NoError(t, err)
	assert.True(t, stored.NeedsReauth)

	m.RegisterService("deezer", func(context.Context, string) (*Token, error) {
		t.Fatal("flagged service must not be refreshed")
		return nil, nil
	})
	_, err = m.AccessToken(ctx, "deezer")
	assert.True(t, errkind.NeedsReauth(err))
}

func TestManager_TransientFailureRetriesOnce(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	seedToken(t, repo, clock, "spotify", 0)

	var calls atomic.Int32
	m.RegisterService("spotify", func(context.Context, string) (*Token, error) {
		if calls.Add(1) == 1 {
			return nil, errkind.New(errkind.KindTransient, "upstream 502")
		}
		return &Token{AccessToken: "access-new", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})

	access, err := m.AccessToken(ctx, "spotify")
	require.NoError(t, err)
	assert.Equal(t, "access-new", access)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOAuthEndpoint_Classification(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			assert.Equal(t, "r-1", r.Form.Get("refresh_token"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"a-2","refresh_token":"r-2","expires_in":3600}`))
		}))
		defer srv.Close()

		ep := NewOAuthEndpoint(srv.URL, "client", "secret", srv.Client())
		tok, err := ep.Refresh(ctx, "r-1")
		require.NoError(t, err)
		assert.Equal(t, "a-2", tok.AccessToken)
		assert.Equal(t, "r-2", tok.RefreshToken)
	})

	t.Run("invalid grant", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer srv.Close()

		ep := NewOAuthEndpoint(srv.URL, "client", "", srv.Client())
		_, err := ep.Refresh(ctx, "r-1")
		assert.True(t, errkind.NeedsReauth(err))
	})

	t.Run("upstream 5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		ep := NewOAuthEndpoint(srv.URL, "client", "", srv.Client())
		_, err := ep.Refresh(ctx, "r-1")
		assert.True(t, errkind.Transient(err))
	})

	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		ep := NewOAuthEndpoint(srv.URL, "client", "", srv.Client())
		_, err := ep.Refresh(ctx, "r-1")
		assert.True(t, errkind.RateLimited(err))
	})
}

func TestRefreshWorker_SkipsReauthQuietly(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock()
	repo := NewRepository(openTestDB(t), WithClock(clock))
	m := NewManager(repo, time.Minute, WithManagerClock(clock))

	seedToken(t, repo, clock, "spotify", 0)
	require.NoError(t, repo.SetNeedsReauth(ctx, "spotify", true))

	seedToken(t, repo, clock, "deezer", 0)
	var refreshed atomic.Int32
	m.RegisterService("deezer", func(context.Context, string) (*Token, error) {
		refreshed.Add(1)
		return &Token{AccessToken: "a", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})

	w := NewRefreshWorker(m, repo, time.Second)
	w.RunCycle(ctx)

	assert.Equal(t, int32(1), refreshed.Load(), "only the healthy service refreshes")
}
