// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/persistence/sqlite"
	"github.com/ManuGH/tonearm/internal/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNormalizeKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Mötley Crüe", "motley crue"},
		{"MOTLEY CRUE", "motley crue"},
		{"  Motley   Crue  ", "motley crue"},
		{"Sigur Rós", "sigur ros"},
		{"AC/DC", "ac/dc"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeKey(tc.in), "input %q", tc.in)
	}
}

func TestRepository_UpsertArtistConvergesOnNaturalKey(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	first, err := repo.UpsertArtist(ctx, &Artist{Name: "Mötley Crüe", SpotifyID: "sp-1"})
	require.NoError(t, err)

	// A second sync with different casing and a new external id merges in.
	second, err := repo.UpsertArtist(ctx, &Artist{Name: "MOTLEY CRUE", MBID: "mb-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetArtist(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "sp-1", got.SpotifyID, "existing external id survives")
	assert.Equal(t, "mb-1", got.MBID, "new external id fills in")
	assert.Equal(t, "MOTLEY CRUE", got.Name, "latest display name wins")
}

func TestRepository_UpsertAlbumAndTrack(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	artist, err := repo.UpsertArtist(ctx, &Artist{Name: "Sigur Rós"})
	require.NoError(t, err)

	album, err := repo.UpsertAlbum(ctx, &Album{
		ArtistID: artist.ID, Title: "Ágætis byrjun", SpotifyID: "sp-al-1", ReleaseDate: "1999-06-12",
	})
	require.NoError(t, err)

	again, err := repo.UpsertAlbum(ctx, &Album{ArtistID: artist.ID, Title: "Agaetis Byrjun"})
	require.NoError(t, err)
	assert.Equal(t, album.ID, again.ID)

	tr, err := repo.UpsertTrack(ctx, &Track{
		ArtistID: artist.ID, AlbumID: album.ID, Title: "Svefn-g-englar",
		TrackNumber: 1, DurationMS: 600000, SpotifyID: "sp-tr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TrackNotNeeded, tr.DownloadState)

	trAgain, err := repo.UpsertTrack(ctx, &Track{
		ArtistID: artist.ID, Title: "svefn-g-englar", TrackNumber: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, tr.ID, trAgain.ID)
}

func TestRepository_EnrichmentQueue(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	artist, err := repo.UpsertArtist(ctx, &Artist{Name: "Artist"})
	require.NoError(t, err)

	t1, err := repo.UpsertTrack(ctx, &Track{ArtistID: artist.ID, Title: "One", TrackNumber: 1})
	require.NoError(t, err)
	_, err = repo.UpsertTrack(ctx, &Track{ArtistID: artist.ID, Title: "Two", TrackNumber: 2})
	require.NoError(t, err)

	pending, err := repo.ListTracksNeedingEnrichment(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, repo.MarkTrackEnriched(ctx, t1.ID))
	pending, err = repo.ListTracksNeedingEnrichment(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Two", pending[0].Title)
}

func TestRepository_TrackDownloadState(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	artist, err := repo.UpsertArtist(ctx, &Artist{Name: "Artist"})
	require.NoError(t, err)
	tr, err := repo.UpsertTrack(ctx, &Track{ArtistID: artist.ID, Title: "One", TrackNumber: 1})
	require.NoError(t, err)

	require.NoError(t, repo.SetTrackDownloadState(ctx, tr.ID, types.TrackPending, ""))
	wanted, err := repo.ListTracksWanted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, wanted, 1)

	require.NoError(t, repo.SetTrackDownloadState(ctx, tr.ID, types.TrackDownloaded, "/music/one.flac"))
	wanted, err = repo.ListTracksWanted(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, wanted)

	assert.Error(t, repo.SetTrackDownloadState(ctx, tr.ID, "bogus", ""))
}

func TestRepository_PlaylistRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	artist, err := repo.UpsertArtist(ctx, &Artist{Name: "Artist"})
	require.NoError(t, err)
	t1, err := repo.UpsertTrack(ctx, &Track{ArtistID: artist.ID, Title: "One", TrackNumber: 1})
	require.NoError(t, err)
	t2, err := repo.UpsertTrack(ctx, &Track{ArtistID: artist.ID, Title: "Two", TrackNumber: 2})
	require.NoError(t, err)

	pl, err := repo.UpsertPlaylist(ctx, &Playlist{Name: "Mix", SpotifyID: "sp-pl-1", SnapshotID: "snap-1"})
	require.NoError(t, err)
	require.NoError(t, repo.ReplacePlaylistTracks(ctx, pl.ID, []string{t2.ID, t1.ID}))

	tracks, err := repo.PlaylistTracks(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "Two", tracks[0].Title)
	assert.Equal(t, "One", tracks[1].Title)

	// A new snapshot replaces the ordering.
	require.NoError(t, repo.ReplacePlaylistTracks(ctx, pl.ID, []string{t1.ID}))
	tracks, err = repo.PlaylistTracks(ctx, pl.ID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "One", tracks[0].Title)
}

func TestRepository_Settings(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t))

	got, err := repo.GetSetting(ctx, "last_run.artist_sync", "never")
	require.NoError(t, err)
	assert.Equal(t, "never", got)

	require.NoError(t, repo.SetSetting(ctx, "last_run.artist_sync", "12345"))
	got, err = repo.GetSetting(ctx, "last_run.artist_sync", "never")
	require.NoError(t, err)
	assert.Equal(t, "12345", got)
}
