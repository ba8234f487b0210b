// SPDX-License-Identifier: MIT

// Package token manages OAuth credentials for the external music
// services and the browser sessions of the admin surface.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tonearm/internal/errkind"
)

// Token is the persisted credential set for one external service.
type Token struct {
	Service      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	NeedsReauth  bool
	UpdatedAt    time.Time
}

// Fresh reports whether the access token is still usable at now, with
// leeway subtracted so callers never race the expiry.
func (t *Token) Fresh(now time.Time, leeway time.Duration) bool {
	return now.Before(t.ExpiresAt.Add(-leeway))
}

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Repository persists service tokens in the shared SQLite database.
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

// Get returns the token for a service.
func (r *Repository) Get(ctx context.Context, service string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service, access_token, refresh_token, expires_at_ms, needs_reauth, updated_at_ms
		FROM service_tokens WHERE service = ?`, service)

	var (
		t           Token
		expiresAt   int64
		needsReauth int
		updatedAt   int64
	)
	err := row.Scan(&t.Service, &t.AccessToken, &t.RefreshToken, &expiresAt, &needsReauth, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "token: no credentials for %s", service)
	}
	if err != nil {
		return nil, fmt.Errorf("token: get %s: %w", service, err)
	}

	t.ExpiresAt = time.UnixMilli(expiresAt)
	t.NeedsReauth = needsReauth != 0
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return &t, nil
}

// Save upserts the token for a service.
func (r *Repository) Save(ctx context.Context, t *Token) error {
	if t.Service == "" {
		return errkind.New(errkind.KindValidation, "token: service is required")
	}

	now := r.clock.Now()
	t.UpdatedAt = now
	needsReauth := 0
	if t.NeedsReauth {
		needsReauth = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_tokens (service, access_token, refresh_token, expires_at_ms, needs_reauth, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at_ms = excluded.expires_at_ms,
			needs_reauth = excluded.needs_reauth,
			updated_at_ms = excluded.updated_at_ms`,
		t.Service, t.AccessToken, t.RefreshToken, t.ExpiresAt.UnixMilli(),
		needsReauth, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("token: save %s: %w", t.Service, err)
	}
	return nil
}

// SetNeedsReauth flips the reauth flag without touching credentials.
func (r *Repository) SetNeedsReauth(ctx context.Context, service string, needsReauth bool) error {
	flag := 0
	if needsReauth {
		flag = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE service_tokens SET needs_reauth = ?, updated_at_ms = ? WHERE service = ?`,
		flag, r.clock.Now().UnixMilli(), service)
	if err != nil {
		return fmt.Errorf("token: set needs_reauth %s: %w", service, err)
	}
	return nil
}

// Services returns every service with stored credentials.
func (r *Repository) Services(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT service FROM service_tokens ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("token: list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
