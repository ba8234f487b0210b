// SPDX-License-Identifier: MIT

package library

import (
	"time"

	"github.com/ManuGH/tonearm/internal/types"
)

// Artist is one performer in the catalog.
type Artist struct {
	ID             string
	Name           string
	NormalizedName string
	SpotifyID      string
	DeezerID       string
	MBID           string
	Ownership      types.OwnershipState
	ImageURL       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Album is one release by an artist.
type Album struct {
	ID              string
	ArtistID        string
	Title           string
	NormalizedTitle string
	SpotifyID       string
	DeezerID        string
	MBID            string
	ReleaseDate     string
	Ownership       types.OwnershipState
	CoverURL        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Track is one recording.
type Track struct {
	ID              string
	AlbumID         string
	ArtistID        string
	Title           string
	NormalizedTitle string
	TrackNumber     int
	DurationMS      int
	SpotifyID       string
	DeezerID        string
	MBID            string
	DownloadState   types.TrackDownloadState
	LocalPath       string
	EnrichedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Playlist is an ordered track collection synced from a service.
type Playlist struct {
	ID         string
	Name       string
	SpotifyID  string
	SnapshotID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
