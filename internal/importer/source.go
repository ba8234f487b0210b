// SPDX-License-Identifier: MIT

package importer

import "context"

// ArtistData is one followed artist as reported by an external service.
type ArtistData struct {
	ID       string
	Name     string
	ImageURL string
}

// AlbumData is one release in an artist's discography.
type AlbumData struct {
	ID          string
	Title       string
	ReleaseDate string
	CoverURL    string
}

// TrackData is one recording on an album or playlist.
type TrackData struct {
	ID          string
	Title       string
	TrackNumber int
	DurationMS  int
	ISRC        string
}

// PlaylistData is one user playlist. SnapshotID changes whenever the
// playlist content changes, so sync can skip unchanged playlists.
type PlaylistData struct {
	ID         string
	Name       string
	SnapshotID string
}

// ImportSource is one external music service the catalog syncs from.
// All collection methods return lazy streams so callers control
// batching.
type ImportSource interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	FollowedArtists(ctx context.Context) *Stream[ArtistData]
	ArtistAlbums(ctx context.Context, artistID string) *Stream[AlbumData]
	AlbumTracks(ctx context.Context, albumID string) *Stream[TrackData]
	Playlists(ctx context.Context) *Stream[PlaylistData]
	PlaylistTracks(ctx context.Context, playlistID string) *Stream[TrackData]
}

// MetadataProvider fills in track metadata during enrichment. Providers
// are consulted in a fixed order; the first hit wins. A miss is
// reported as a not-found error, anything else aborts the lookup chain
// for this track.
type MetadataProvider interface {
	Name() string
	LookupTrack(ctx context.Context, artist, title string) (*TrackData, error)
}
