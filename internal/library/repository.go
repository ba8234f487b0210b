// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/types"
)

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Repository persists the catalog. Writers upsert on natural keys so
// every sync pass is idempotent.
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

// UpsertArtist inserts or updates an artist keyed by normalized name.
// External ids only ever fill in, they never blank out.
func (r *Repository) UpsertArtist(ctx context.Context, a *Artist) (*Artist, error) {
	if a.Name == "" {
		return nil, errkind.New(errkind.KindValidation, "library: artist name is required")
	}

	now := r.clock.Now()
	a.NormalizedName = NormalizeKey(a.Name)
	if a.Ownership == "" {
		a.Ownership = types.OwnershipDiscovered
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO artists (id, name, normalized_name, spotify_id, deezer_id, mbid,
			ownership, image_url, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET
			name = excluded.name,
			spotify_id = COALESCE(excluded.spotify_id, artists.spotify_id),
			deezer_id = COALESCE(excluded.deezer_id, artists.deezer_id),
			mbid = COALESCE(excluded.mbid, artists.mbid),
			image_url = CASE WHEN excluded.image_url IS NOT NULL THEN excluded.image_url ELSE artists.image_url END,
			updated_at_ms = excluded.updated_at_ms
		RETURNING id, created_at_ms`,
		uuid.NewString(), a.Name, a.NormalizedName, nullable(a.SpotifyID),
		nullable(a.DeezerID), nullable(a.MBID), a.Ownership, nullable(a.ImageURL),
		now.UnixMilli(), now.UnixMilli())

	var createdAt int64
	if err := row.Scan(&a.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("library: upsert artist %q: %w", a.Name, err)
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = now
	return a, nil
}

// UpsertAlbum inserts or updates an album keyed by (artist, normalized title).
func (r *Repository) UpsertAlbum(ctx context.Context, al *Album) (*Album, error) {
	if al.ArtistID == "" || al.Title == "" {
		return nil, errkind.New(errkind.KindValidation, "library: album artist and title are required")
	}

	now := r.clock.Now()
	al.NormalizedTitle = NormalizeKey(al.Title)
	if al.Ownership == "" {
		al.Ownership = types.OwnershipDiscovered
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO albums (id, artist_id, title, normalized_title, spotify_id,
			deezer_id, mbid, release_date, ownership, cover_url, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artist_id, normalized_title) DO UPDATE SET
			title = excluded.title,
			spotify_id = COALESCE(excluded.spotify_id, albums.spotify_id),
			deezer_id = COALESCE(excluded.deezer_id, albums.deezer_id),
			mbid = COALESCE(excluded.mbid, albums.mbid),
			release_date = COALESCE(excluded.release_date, albums.release_date),
			cover_url = CASE WHEN excluded.cover_url IS NOT NULL THEN excluded.cover_url ELSE albums.cover_url END,
			updated_at_ms = excluded.updated_at_ms
		RETURNING id, created_at_ms`,
		uuid.NewString(), al.ArtistID, al.Title, al.NormalizedTitle,
		nullable(al.SpotifyID), nullable(al.DeezerID), nullable(al.MBID),
		nullable(al.ReleaseDate), al.Ownership, nullable(al.CoverURL),
		now.UnixMilli(), now.UnixMilli())

	var createdAt int64
	if err := row.Scan(&al.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("library: upsert album %q: %w", al.Title, err)
	}
	al.CreatedAt = time.UnixMilli(createdAt)
	al.UpdatedAt = now
	return al, nil
}

// UpsertTrack inserts or updates a track keyed by
// (artist, normalized title, track number).
func (r *Repository) UpsertTrack(ctx context.Context, tr *Track) (*Track, error) {
	if tr.ArtistID == "" || tr.Title == "" {
		return nil, errkind.New(errkind.KindValidation, "library: track artist and title are required")
	}

	now := r.clock.Now()
	tr.NormalizedTitle = NormalizeKey(tr.Title)
	if tr.DownloadState == "" {
		tr.DownloadState = types.TrackNotNeeded
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tracks (id, album_id, artist_id, title, normalized_title,
			track_number, duration_ms, spotify_id, deezer_id, mbid,
			download_state, local_path, enriched_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(artist_id, normalized_title, track_number) DO UPDATE SET
			title = excluded.title,
			album_id = COALESCE(excluded.album_id, tracks.album_id),
			duration_ms = CASE WHEN excluded.duration_ms > 0 THEN excluded.duration_ms ELSE tracks.duration_ms END,
			spotify_id = COALESCE(excluded.spotify_id, tracks.spotify_id),
			deezer_id = COALESCE(excluded.deezer_id, tracks.deezer_id),
			mbid = COALESCE(excluded.mbid, tracks.mbid),
			updated_at_ms = excluded.updated_at_ms
		RETURNING id, download_state, created_at_ms`,
		uuid.NewString(), nullable(tr.AlbumID), tr.ArtistID, tr.Title,
		tr.NormalizedTitle, tr.TrackNumber, tr.DurationMS,
		nullable(tr.SpotifyID), nullable(tr.DeezerID), nullable(tr.MBID),
		tr.DownloadState, now.UnixMilli(), now.UnixMilli())

	var (
		state     string
		createdAt int64
	)
	if err := row.Scan(&tr.ID, &state, &createdAt); err != nil {
		return nil, fmt.Errorf("library: upsert track %q: %w", tr.Title, err)
	}
	tr.DownloadState = types.TrackDownloadState(state)
	tr.CreatedAt = time.UnixMilli(createdAt)
	tr.UpdatedAt = now
	return tr, nil
}

// GetArtist returns an artist by id.
func (r *Repository) GetArtist(ctx context.Context, id string) (*Artist, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, spotify_id, deezer_id, mbid,
			ownership, image_url, created_at_ms, updated_at_ms
		FROM artists WHERE id = ?`, id)
	a, err := scanArtist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "artist %s not found", id)
	}
	return a, err
}

// ListArtists returns artists by ownership; an empty state lists all.
func (r *Repository) ListArtists(ctx context.Context, ownership types.OwnershipState) ([]*Artist, error) {
	query := `SELECT id, name, normalized_name, spotify_id, deezer_id, mbid,
		ownership, image_url, created_at_ms, updated_at_ms FROM artists`
	args := []any{}
	if ownership != "" {
		query += ` WHERE ownership = ?`
		args = append(args, ownership)
	}
	query += ` ORDER BY normalized_name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("library: list artists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artist
	for rows.Next() {
		a, err := scanArtist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListTracksNeedingEnrichment returns tracks that were never enriched,
// oldest first.
func (r *Repository) ListTracksNeedingEnrichment(ctx context.Context, limit int) ([]*Track, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+trackColumns+` FROM tracks
		WHERE enriched_at_ms IS NULL
		ORDER BY created_at_ms ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("library: list unenriched tracks: %w", err)
	}
	return collectTracks(rows)
}

// MarkTrackEnriched stamps the enrichment time.
func (r *Repository) MarkTrackEnriched(ctx context.Context, trackID string) error {
	now := r.clock.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET enriched_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), trackID)
	if err != nil {
		return fmt.Errorf("library: mark enriched %s: %w", trackID, err)
	}
	return nil
}

// SetTrackDownloadState updates the track-side download view. localPath
// is only written for the downloaded state.
func (r *Repository) SetTrackDownloadState(ctx context.Context, trackID string, state types.TrackDownloadState, localPath string) error {
	if !state.IsValid() {
		return errkind.Newf(errkind.KindValidation, "library: invalid track download state %q", state)
	}
	now := r.clock.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET download_state = ?,
			local_path = CASE WHEN ? != '' THEN ? ELSE local_path END,
			updated_at_ms = ?
		WHERE id = ?`,
		state, localPath, localPath, now.UnixMilli(), trackID)
	if err != nil {
		return fmt.Errorf("library: set download state %s: %w", trackID, err)
	}
	return nil
}

// ListTracksWanted returns tracks flagged for download that have no
// active transfer yet.
func (r *Repository) ListTracksWanted(ctx context.Context, limit int) ([]*Track, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+trackColumns+` FROM tracks
		WHERE download_state = ?
		ORDER BY created_at_ms ASC LIMIT ?`,
		types.TrackPending, limit)
	if err != nil {
		return nil, fmt.Errorf("library: list wanted tracks: %w", err)
	}
	return collectTracks(rows)
}

// ListAlbums returns an artist's albums, oldest release first.
func (r *Repository) ListAlbums(ctx context.Context, artistID string) ([]*Album, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, artist_id, title, normalized_title, spotify_id, deezer_id, mbid,
			release_date, ownership, cover_url, created_at_ms, updated_at_ms
		FROM albums WHERE artist_id = ?
		ORDER BY release_date, normalized_title`, artistID)
	if err != nil {
		return nil, fmt.Errorf("library: list albums: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Album
	for rows.Next() {
		var (
			al          Album
			spotifyID   sql.NullString
			deezerID    sql.NullString
			mbid        sql.NullString
			releaseDate sql.NullString
			ownership   string
			coverURL    sql.NullString
			createdAt   int64
			updatedAt   int64
		)
		if err := rows.Scan(&al.ID, &al.ArtistID, &al.Title, &al.NormalizedTitle,
			&spotifyID, &deezerID, &mbid, &releaseDate, &ownership, &coverURL,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		al.SpotifyID = spotifyID.String
		al.DeezerID = deezerID.String
		al.MBID = mbid.String
		al.ReleaseDate = releaseDate.String
		al.Ownership = types.OwnershipState(ownership)
		al.CoverURL = coverURL.String
		al.CreatedAt = time.UnixMilli(createdAt)
		al.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, &al)
	}
	return out, rows.Err()
}

// GetTrack returns a track by id.
func (r *Repository) GetTrack(ctx context.Context, id string) (*Track, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id)
	tr, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "track %s not found", id)
	}
	return tr, err
}

// FindTrackBySpotifyID returns the track carrying the given service id.
func (r *Repository) FindTrackBySpotifyID(ctx context.Context, spotifyID string) (*Track, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE spotify_id = ?`, spotifyID)
	tr, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "track with spotify id %s not found", spotifyID)
	}
	return tr, err
}

// FillTrackExternalIDs writes enrichment results. Like the upserts, ids
// and duration only ever fill in.
func (r *Repository) FillTrackExternalIDs(ctx context.Context, trackID, spotifyID, deezerID, mbid string, durationMS int) error {
	now := r.clock.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET
			spotify_id = COALESCE(spotify_id, ?),
			deezer_id = COALESCE(deezer_id, ?),
			mbid = COALESCE(mbid, ?),
			duration_ms = CASE WHEN duration_ms = 0 AND ? > 0 THEN ? ELSE duration_ms END,
			updated_at_ms = ?
		WHERE id = ?`,
		nullable(spotifyID), nullable(deezerID), nullable(mbid),
		durationMS, durationMS, now.UnixMilli(), trackID)
	if err != nil {
		return fmt.Errorf("library: fill track ids %s: %w", trackID, err)
	}
	return nil
}

// PurgeOrphans deletes albums with no tracks, then artists left with
// neither albums nor tracks.
func (r *Repository) PurgeOrphans(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM albums WHERE id NOT IN (SELECT DISTINCT album_id FROM tracks WHERE album_id IS NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("library: purge orphan albums: %w", err)
	}
	albums, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx, `
		DELETE FROM artists WHERE id NOT IN (SELECT DISTINCT artist_id FROM albums)
			AND id NOT IN (SELECT DISTINCT artist_id FROM tracks)`)
	if err != nil {
		return 0, fmt.Errorf("library: purge orphan artists: %w", err)
	}
	artists, _ := res.RowsAffected()
	return int(albums + artists), nil
}

// ResetStaleFailedTracks moves tracks stuck in the failed state since
// before the cutoff back to not_needed so they stop surfacing as errors.
func (r *Repository) ResetStaleFailedTracks(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tracks SET download_state = ?, updated_at_ms = ?
		WHERE download_state = ? AND updated_at_ms < ?`,
		types.TrackNotNeeded, r.clock.Now().UnixMilli(),
		types.TrackFailed, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("library: reset stale failed tracks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertPlaylist inserts or updates a playlist keyed by its service id.
func (r *Repository) UpsertPlaylist(ctx context.Context, p *Playlist) (*Playlist, error) {
	if p.Name == "" || p.SpotifyID == "" {
		return nil, errkind.New(errkind.KindValidation, "library: playlist name and service id are required")
	}

	now := r.clock.Now()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO playlists (id, name, spotify_id, snapshot_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(spotify_id) DO UPDATE SET
			name = excluded.name,
			snapshot_id = excluded.snapshot_id,
			updated_at_ms = excluded.updated_at_ms
		RETURNING id, created_at_ms`,
		uuid.NewString(), p.Name, p.SpotifyID, nullable(p.SnapshotID),
		now.UnixMilli(), now.UnixMilli())

	var createdAt int64
	if err := row.Scan(&p.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("library: upsert playlist %q: %w", p.Name, err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = now
	return p, nil
}

// ReplacePlaylistTracks swaps the playlist's track list in one transaction.
func (r *Repository) ReplacePlaylistTracks(ctx context.Context, playlistID string, trackIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("library: replace playlist tracks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM playlist_tracks WHERE playlist_id = ?`, playlistID); err != nil {
		return err
	}
	for i, trackID := range trackIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO playlist_tracks (playlist_id, track_id, position) VALUES (?, ?, ?)`,
			playlistID, trackID, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPlaylists returns all playlists by name.
func (r *Repository) ListPlaylists(ctx context.Context) ([]*Playlist, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, spotify_id, snapshot_id, created_at_ms, updated_at_ms
		FROM playlists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("library: list playlists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Playlist
	for rows.Next() {
		var (
			p          Playlist
			spotifyID  sql.NullString
			snapshotID sql.NullString
			createdAt  int64
			updatedAt  int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &spotifyID, &snapshotID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.SpotifyID = spotifyID.String
		p.SnapshotID = snapshotID.String
		p.CreatedAt = time.UnixMilli(createdAt)
		p.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// PlaylistTracks returns a playlist's tracks in position order.
func (r *Repository) PlaylistTracks(ctx context.Context, playlistID string) ([]*Track, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+trackColumnsQualified+` FROM tracks t
		JOIN playlist_tracks pt ON pt.track_id = t.id
		WHERE pt.playlist_id = ?
		ORDER BY pt.position`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("library: playlist tracks: %w", err)
	}
	return collectTracks(rows)
}

// Counts returns entity totals for the status surface.
func (r *Repository) Counts(ctx context.Context) (artists, albums, tracks, playlists int, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artists),
			(SELECT COUNT(*) FROM albums),
			(SELECT COUNT(*) FROM tracks),
			(SELECT COUNT(*) FROM playlists)`)
	if err := row.Scan(&artists, &albums, &tracks, &playlists); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("library: counts: %w", err)
	}
	return artists, albums, tracks, playlists, nil
}

// GetSetting reads an app setting, returning def when unset.
func (r *Repository) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("library: get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts an app setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, r.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("library: set setting %s: %w", key, err)
	}
	return nil
}

const trackColumns = `id, album_id, artist_id, title, normalized_title,
	track_number, duration_ms, spotify_id, deezer_id, mbid,
	download_state, local_path, enriched_at_ms, created_at_ms, updated_at_ms`

const trackColumnsQualified = `t.id, t.album_id, t.artist_id, t.title, t.normalized_title,
	t.track_number, t.duration_ms, t.spotify_id, t.deezer_id, t.mbid,
	t.download_state, t.local_path, t.enriched_at_ms, t.created_at_ms, t.updated_at_ms`

func collectTracks(rows *sql.Rows) ([]*Track, error) {
	defer func() { _ = rows.Close() }()
	var out []*Track
	for rows.Next() {
		tr, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTrack(scanner interface{ Scan(...any) error }) (*Track, error) {
	var (
		tr         Track
		albumID    sql.NullString
		spotifyID  sql.NullString
		deezerID   sql.NullString
		mbid       sql.NullString
		state      string
		localPath  sql.NullString
		enrichedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := scanner.Scan(
		&tr.ID, &albumID, &tr.ArtistID, &tr.Title, &tr.NormalizedTitle,
		&tr.TrackNumber, &tr.DurationMS, &spotifyID, &deezerID, &mbid,
		&state, &localPath, &enrichedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	tr.AlbumID = albumID.String
	tr.SpotifyID = spotifyID.String
	tr.DeezerID = deezerID.String
	tr.MBID = mbid.String
	tr.DownloadState = types.TrackDownloadState(state)
	tr.LocalPath = localPath.String
	if enrichedAt.Valid {
		tr.EnrichedAt = time.UnixMilli(enrichedAt.Int64)
	}
	tr.CreatedAt = time.UnixMilli(createdAt)
	tr.UpdatedAt = time.UnixMilli(updatedAt)
	return &tr, nil
}

func scanArtist(scanner interface{ Scan(...any) error }) (*Artist, error) {
	var (
		a         Artist
		spotifyID sql.NullString
		deezerID  sql.NullString
		mbid      sql.NullString
		ownership string
		imageURL  sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&a.ID, &a.Name, &a.NormalizedName, &spotifyID, &deezerID, &mbid,
		&ownership, &imageURL, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.SpotifyID = spotifyID.String
	a.DeezerID = deezerID.String
	a.MBID = mbid.String
	a.Ownership = types.OwnershipState(ownership)
	a.ImageURL = imageURL.String
	a.CreatedAt = time.UnixMilli(createdAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
