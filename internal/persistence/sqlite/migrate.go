// SPDX-License-Identifier: MIT

package sqlite

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// Migrate brings the database schema to the current version. Versioning
// uses PRAGMA user_version; the whole migration runs in one transaction.
func Migrate(db *sql.DB) error {
	var currentVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS artists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL,
		spotify_id TEXT,
		deezer_id TEXT,
		mbid TEXT,
		ownership TEXT NOT NULL DEFAULT 'discovered',
		image_url TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_artists_normalized ON artists(normalized_name);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artists_spotify ON artists(spotify_id) WHERE spotify_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artists_mbid ON artists(mbid) WHERE mbid IS NOT NULL;

	CREATE TABLE IF NOT EXISTS albums (
		id TEXT PRIMARY KEY,
		artist_id TEXT NOT NULL REFERENCES artists(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		normalized_title TEXT NOT NULL,
		spotify_id TEXT,
		deezer_id TEXT,
		mbid TEXT,
		release_date TEXT,
		ownership TEXT NOT NULL DEFAULT 'discovered',
		cover_url TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_albums_artist_title ON albums(artist_id, normalized_title);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_albums_spotify ON albums(spotify_id) WHERE spotify_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		album_id TEXT REFERENCES albums(id) ON DELETE CASCADE,
		artist_id TEXT NOT NULL REFERENCES artists(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		normalized_title TEXT NOT NULL,
		track_number INTEGER,
		duration_ms INTEGER,
		spotify_id TEXT,
		deezer_id TEXT,
		mbid TEXT,
		download_state TEXT NOT NULL DEFAULT 'not_needed',
		local_path TEXT,
		enriched_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_album_title ON tracks(artist_id, normalized_title, track_number);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tracks_spotify ON tracks(spotify_id) WHERE spotify_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tracks_enrichment ON tracks(enriched_at_ms) WHERE enriched_at_ms IS NULL;
	CREATE INDEX IF NOT EXISTS idx_tracks_download_state ON tracks(download_state);

	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		spotify_id TEXT,
		snapshot_id TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_playlists_spotify ON playlists(spotify_id) WHERE spotify_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS playlist_tracks (
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		track_id TEXT NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		PRIMARY KEY (playlist_id, position)
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		track_id TEXT REFERENCES tracks(id) ON DELETE SET NULL,
		username TEXT NOT NULL,
		filepath TEXT NOT NULL,
		filename TEXT NOT NULL,
		external_id TEXT,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		error_code TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at_ms INTEGER,
		size_bytes INTEGER,
		transferred_bytes INTEGER NOT NULL DEFAULT 0,
		dispatch_job_id TEXT,
		started_at_ms INTEGER,
		completed_at_ms INTEGER,
		last_touched_at_ms INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	CREATE INDEX IF NOT EXISTS idx_downloads_retry ON downloads(status, next_retry_at_ms);
	CREATE INDEX IF NOT EXISTS idx_downloads_fingerprint ON downloads(username, filename);
	CREATE INDEX IF NOT EXISTS idx_downloads_external ON downloads(external_id) WHERE external_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS download_blocklist (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		username TEXT,
		filepath TEXT,
		reason_code TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 1,
		is_manual INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER,
		CHECK (username IS NOT NULL OR filepath IS NOT NULL)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_blocklist_source ON download_blocklist(username, filepath);
	CREATE INDEX IF NOT EXISTS idx_blocklist_username ON download_blocklist(username) WHERE username IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_blocklist_filepath ON download_blocklist(filepath) WHERE filepath IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_blocklist_expires ON download_blocklist(expires_at_ms);

	CREATE TABLE IF NOT EXISTS background_jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		next_run_at_ms INTEGER NOT NULL,
		lease_owner TEXT,
		lease_expires_at_ms INTEGER,
		last_error TEXT,
		result TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		finished_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON background_jobs(status, next_run_at_ms, priority, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease ON background_jobs(status, lease_expires_at_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_type ON background_jobs(job_type);

	CREATE TABLE IF NOT EXISTS service_tokens (
		service TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		needs_reauth INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: schema migration failed: %w", err)
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}
