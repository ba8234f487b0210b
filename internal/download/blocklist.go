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
	"github.com/ManuGH/tonearm/internal/types"
)

// BlocklistEntry suppresses future download attempts matching its scope.
type BlocklistEntry struct {
	ID           string
	Scope        types.BlocklistScope
	Username     string
	Filepath     string
	ReasonCode   errcode.Code
	FailureCount int  // failures observed when the entry was (last) escalated
	IsManual     bool // operator-created entries survive automatic pruning logic changes
	CreatedAt    time.Time
	ExpiresAt    time.Time // zero means the entry never expires
}

// DefaultBlocklistTTL bounds how long automatic entries suppress retries.
// Username-scope entries for blocked peers never expire.
const DefaultBlocklistTTL = 7 * 24 * time.Hour

// Blocklist persists blocklist entries.
type Blocklist struct {
	db    *sql.DB
	clock clock
}

// NewBlocklist creates a blocklist over an already-migrated database.
func NewBlocklist(db *sql.DB, opts ...RepositoryOption) *Blocklist {
	// Reuse the repository option plumbing for the clock.
	r := &Repository{clock: realClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return &Blocklist{db: db, clock: r.clock}
}

// Add upserts an entry. Username-scope entries apply to every file from
// the peer; filepath-scope entries apply to the file from any peer;
// specific entries apply to the exact pair. A repeated escalation of the
// same (username, filepath) key updates the existing row instead of
// inserting a duplicate.
func (b *Blocklist) Add(ctx context.Context, entry BlocklistEntry) (*BlocklistEntry, error) {
	if !entry.Scope.IsValid() {
		return nil, errkind.New(errkind.KindValidation, fmt.Sprintf("blocklist: invalid scope %q", entry.Scope))
	}
	if entry.Username == "" && entry.Filepath == "" {
		return nil, errkind.New(errkind.KindValidation, "blocklist: username or filepath is required")
	}
	if entry.FailureCount <= 0 {
		entry.FailureCount = 1
	}

	now := b.clock.Now()

	existing, err := b.getByKey(ctx, entry.Username, entry.Filepath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.ReasonCode = entry.ReasonCode
		existing.FailureCount = entry.FailureCount
		existing.ExpiresAt = entry.ExpiresAt
		_, err := b.db.ExecContext(ctx, `
			UPDATE download_blocklist SET
				reason_code = ?, failure_count = ?, expires_at_ms = ?
			WHERE id = ?`,
			existing.ReasonCode, existing.FailureCount,
			nullableMs(existing.ExpiresAt), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("blocklist: update: %w", err)
		}
		return existing, nil
	}

	entry.ID = uuid.NewString()
	entry.CreatedAt = now

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO download_blocklist (
			id, scope, username, filepath, reason_code, failure_count,
			is_manual, created_at_ms, expires_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Scope, nullable(entry.Username), nullable(entry.Filepath),
		entry.ReasonCode, entry.FailureCount, entry.IsManual,
		entry.CreatedAt.UnixMilli(), nullableMs(entry.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("blocklist: add: %w", err)
	}
	return &entry, nil
}

// getByKey finds the entry for an exact (username, filepath) key. SQLite
// treats NULLs as distinct in the unique index, so scoped entries with an
// open half are deduplicated here rather than by the constraint.
func (b *Blocklist) getByKey(ctx context.Context, username, filepath string) (*BlocklistEntry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, scope, username, filepath, reason_code, failure_count,
			is_manual, created_at_ms, expires_at_ms
		FROM download_blocklist
		WHERE username IS ? AND filepath IS ?`,
		nullable(username), nullable(filepath))
	e, err := scanBlocklistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocklist: lookup by key: %w", err)
	}
	return e, nil
}

// IsBlocked reports whether a (username, filepath) pair matches any live
// entry.
func (b *Blocklist) IsBlocked(ctx context.Context, username, filepath string) (bool, error) {
	now := b.clock.Now().UnixMilli()
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM download_blocklist
		WHERE (expires_at_ms IS NULL OR expires_at_ms > ?)
		AND (
			(scope = ? AND username = ?)
			OR (scope = ? AND filepath = ?)
			OR (scope = ? AND username = ? AND filepath = ?)
		)`,
		now,
		types.BlocklistScopeUsername, username,
		types.BlocklistScopeFilepath, filepath,
		types.BlocklistScopeSpecific, username, filepath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blocklist: lookup: %w", err)
	}
	return n > 0, nil
}

// List returns live entries, newest first.
func (b *Blocklist) List(ctx context.Context) ([]BlocklistEntry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, scope, username, filepath, reason_code, failure_count,
			is_manual, created_at_ms, expires_at_ms
		FROM download_blocklist
		WHERE expires_at_ms IS NULL OR expires_at_ms > ?
		ORDER BY created_at_ms DESC`, b.clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("blocklist: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BlocklistEntry
	for rows.Next() {
		e, err := scanBlocklistEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanBlocklistEntry(scanner interface{ Scan(...any) error }) (*BlocklistEntry, error) {
	var (
		e         BlocklistEntry
		scope     string
		username  sql.NullString
		filepath  sql.NullString
		reason    string
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := scanner.Scan(&e.ID, &scope, &username, &filepath, &reason,
		&e.FailureCount, &e.IsManual, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	e.Scope = types.BlocklistScope(scope)
	e.Username = username.String
	e.Filepath = filepath.String
	e.ReasonCode = errcode.Code(reason)
	e.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		e.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	return &e, nil
}

// PruneExpired deletes entries past their expiry.
func (b *Blocklist) PruneExpired(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM download_blocklist
		WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?`,
		b.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("blocklist: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
