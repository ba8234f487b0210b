// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/metrics"
)

// RefreshFunc exchanges a refresh token for new credentials. It must
// classify failures: KindNeedsReauth for a rejected grant, KindTransient
// or KindRateLimited for recoverable upstream trouble.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Token, error)

// Manager hands out fresh access tokens. Concurrent callers asking for
// the same expired token trigger exactly one refresh; everybody shares
// the result.
type Manager struct {
	repo   *Repository
	leeway time.Duration
	clock  clock
	logger zerolog.Logger

	group singleflight.Group

	mu         sync.RWMutex
	refreshers map[string]RefreshFunc
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects a deterministic clock for tests.
func WithManagerClock(c clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a manager. leeway is subtracted from every expiry so
// tokens refresh before they lapse mid-request.
func NewManager(repo *Repository, leeway time.Duration, opts ...ManagerOption) *Manager {
	if leeway <= 0 {
		leeway = 60 * time.Second
	}
	m := &Manager{
		repo:       repo,
		leeway:     leeway,
		clock:      realClock{},
		logger:     log.WithComponent("token.manager"),
		refreshers: make(map[string]RefreshFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterService binds a refresh function to a service name.
func (m *Manager) RegisterService(service string, fn RefreshFunc) {
	m.mu.Lock()
	m.refreshers[service] = fn
	m.mu.Unlock()
}

// AccessToken returns a usable access token for the service, refreshing
// it first if it is expired or inside the leeway window. A service marked
// needs_reauth fails fast with KindNeedsReauth until an operator
// re-authorizes it.
func (m *Manager) AccessToken(ctx context.Context, service string) (string, error) {
	tok, err := m.repo.Get(ctx, service)
	if err != nil {
		return "", err
	}
	if tok.NeedsReauth {
		return "", errkind.Newf(errkind.KindNeedsReauth, "token: %s requires re-authorization", service)
	}
	if tok.Fresh(m.clock.Now(), m.leeway) {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do(service, func() (any, error) {
		return m.refresh(ctx, service)
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).AccessToken, nil
}

// refresh performs one refresh under the singleflight lock. The token is
// re-read first: a caller that queued behind a finished refresh gets the
// fresh token without another upstream call.
func (m *Manager) refresh(ctx context.Context, service string) (*Token, error) {
	tok, err := m.repo.Get(ctx, service)
	if err != nil {
		return nil, err
	}
	if tok.Fresh(m.clock.Now(), m.leeway) {
		return tok, nil
	}

	m.mu.RLock()
	fn, ok := m.refreshers[service]
	m.mu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.KindFatal, "token: no refresher registered for %s", service)
	}

	fresh, err := fn(ctx, tok.RefreshToken)
	if err != nil && errkind.IsRetryable(err) {
		// One immediate retry covers blips; sustained trouble surfaces to
		// the caller, who retries through the queue.
		m.logger.Warn().Err(err).Str(log.FieldService, service).Msg("token refresh retrying once")
		fresh, err = fn(ctx, tok.RefreshToken)
	}

	if err != nil {
		if errkind.NeedsReauth(err) {
			metrics.IncTokenRefresh(service, "needs_reauth")
			if serr := m.repo.SetNeedsReauth(ctx, service, true); serr != nil {
				m.logger.Error().Err(serr).Str(log.FieldService, service).Msg("failed to persist needs_reauth")
			}
			m.logger.Error().Str(log.FieldService, service).
				Msg("refresh grant rejected, manual re-authorization required")
			return nil, err
		}
		metrics.IncTokenRefresh(service, "transient_error")
		return nil, err
	}

	fresh.Service = service
	if fresh.RefreshToken == "" {
		// Providers that do not rotate refresh tokens omit them.
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.repo.Save(ctx, fresh); err != nil {
		return nil, err
	}

	metrics.IncTokenRefresh(service, "success")
	metrics.SetTokenExpiry(service, time.Until(fresh.ExpiresAt).Seconds())
	m.logger.Info().Str(log.FieldService, service).
		Time("expires_at", fresh.ExpiresAt).Msg("token refreshed")
	return fresh, nil
}
