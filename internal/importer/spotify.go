// SPDX-License-Identifier: MIT

package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/tonearm/internal/errkind"
)

const spotifyPageSize = 50

// TokenSource supplies a valid bearer token for a named service.
// Satisfied by the token manager.
type TokenSource interface {
	AccessToken(ctx context.Context, service string) (string, error)
}

// SpotifySource imports followed artists, their discographies and the
// user's playlists from the Spotify Web API. It doubles as a metadata
// provider for enrichment.
type SpotifySource struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

// NewSpotifySource creates a source. The http.Client comes from the
// shared outbound pool.
func NewSpotifySource(tokens TokenSource, httpClient *http.Client) *SpotifySource {
	return &SpotifySource{
		baseURL: "https://api.spotify.com",
		tokens:  tokens,
		http:    httpClient,
	}
}

func (s *SpotifySource) Name() string { return "spotify" }

// IsAvailable checks that a usable token exists; a service flagged for
// re-authentication reports unavailable so sync skips it quietly.
func (s *SpotifySource) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.tokens.AccessToken(ctx, s.Name())
	return err == nil
}

type spotifyArtist struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (a spotifyArtist) toDTO() ArtistData {
	dto := ArtistData{ID: a.ID, Name: a.Name}
	if len(a.Images) > 0 {
		dto.ImageURL = a.Images[0].URL
	}
	return dto
}

// FollowedArtists streams the user's followed artists. Spotify pages
// this endpoint with an opaque "after" cursor rather than an offset.
func (s *SpotifySource) FollowedArtists(ctx context.Context) *Stream[ArtistData] {
	return NewStream(func(ctx context.Context, cursor string) ([]ArtistData, string, error) {
		q := url.Values{"type": {"artist"}, "limit": {strconv.Itoa(spotifyPageSize)}}
		if cursor != "" {
			q.Set("after", cursor)
		}

		var page struct {
			Artists struct {
				Items   []spotifyArtist `json:"items"`
				Cursors struct {
					After string `json:"after"`
				} `json:"cursors"`
			} `json:"artists"`
		}
		if err := s.get(ctx, "/v1/me/following?"+q.Encode(), &page); err != nil {
			return nil, "", err
		}

		items := make([]ArtistData, 0, len(page.Artists.Items))
		for _, a := range page.Artists.Items {
			items = append(items, a.toDTO())
		}
		return items, page.Artists.Cursors.After, nil
	})
}

// ArtistAlbums streams an artist's albums and singles.
func (s *SpotifySource) ArtistAlbums(ctx context.Context, artistID string) *Stream[AlbumData] {
	path := "/v1/artists/" + url.PathEscape(artistID) + "/albums"
	return offsetStream(s, path, url.Values{"include_groups": {"album,single"}},
		func(raw json.RawMessage) (AlbumData, error) {
			var al struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				ReleaseDate string `json:"release_date"`
				Images      []struct {
					URL string `json:"url"`
				} `json:"images"`
			}
			if err := json.Unmarshal(raw, &al); err != nil {
				return AlbumData{}, err
			}
			dto := AlbumData{ID: al.ID, Title: al.Name, ReleaseDate: al.ReleaseDate}
			if len(al.Images) > 0 {
				dto.CoverURL = al.Images[0].URL
			}
			return dto, nil
		})
}

// AlbumTracks streams an album's track listing. The simplified track
// objects here carry no ISRC; enrichment fills that in later.
func (s *SpotifySource) AlbumTracks(ctx context.Context, albumID string) *Stream[TrackData] {
	path := "/v1/albums/" + url.PathEscape(albumID) + "/tracks"
	return offsetStream(s, path, nil, func(raw json.RawMessage) (TrackData, error) {
		var tr struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			TrackNumber int    `json:"track_number"`
			DurationMS  int    `json:"duration_ms"`
		}
		if err := json.Unmarshal(raw, &tr); err != nil {
			return TrackData{}, err
		}
		return TrackData{ID: tr.ID, Title: tr.Name, TrackNumber: tr.TrackNumber, DurationMS: tr.DurationMS}, nil
	})
}

// Playlists streams the user's playlists.
func (s *SpotifySource) Playlists(ctx context.Context) *Stream[PlaylistData] {
	return offsetStream(s, "/v1/me/playlists", nil, func(raw json.RawMessage) (PlaylistData, error) {
		var pl struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			SnapshotID string `json:"snapshot_id"`
		}
		if err := json.Unmarshal(raw, &pl); err != nil {
			return PlaylistData{}, err
		}
		return PlaylistData{ID: pl.ID, Name: pl.Name, SnapshotID: pl.SnapshotID}, nil
	})
}

// PlaylistTracks streams a playlist's track entries. Local files and
// removed tracks come back with an empty id and are dropped.
func (s *SpotifySource) PlaylistTracks(ctx context.Context, playlistID string) *Stream[TrackData] {
	path := "/v1/playlists/" + url.PathEscape(playlistID) + "/tracks"
	inner := offsetStream(s, path, nil, func(raw json.RawMessage) (TrackData, error) {
		var entry struct {
			Track struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				TrackNumber int    `json:"track_number"`
				DurationMS  int    `json:"duration_ms"`
				ExternalIDs struct {
					ISRC string `json:"isrc"`
				} `json:"external_ids"`
			} `json:"track"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return TrackData{}, err
		}
		return TrackData{
			ID:          entry.Track.ID,
			Title:       entry.Track.Name,
			TrackNumber: entry.Track.TrackNumber,
			DurationMS:  entry.Track.DurationMS,
			ISRC:        entry.Track.ExternalIDs.ISRC,
		}, nil
	})
	return filterStream(inner, func(t TrackData) bool { return t.ID != "" })
}

// LookupTrack implements MetadataProvider using the search endpoint.
func (s *SpotifySource) LookupTrack(ctx context.Context, artist, title string) (*TrackData, error) {
	q := url.Values{
		"type":  {"track"},
		"limit": {"1"},
		"q":     {fmt.Sprintf("artist:%q track:%q", artist, title)},
	}
	var result struct {
		Tracks struct {
			Items []struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				TrackNumber int    `json:"track_number"`
				DurationMS  int    `json:"duration_ms"`
				ExternalIDs struct {
					ISRC string `json:"isrc"`
				} `json:"external_ids"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if err := s.get(ctx, "/v1/search?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	if len(result.Tracks.Items) == 0 {
		return nil, errkind.Newf(errkind.KindNotFound, "spotify: no match for %q / %q", artist, title)
	}
	hit := result.Tracks.Items[0]
	return &TrackData{
		ID:          hit.ID,
		Title:       hit.Name,
		TrackNumber: hit.TrackNumber,
		DurationMS:  hit.DurationMS,
		ISRC:        hit.ExternalIDs.ISRC,
	}, nil
}

// offsetStream builds a stream over Spotify's standard paging object:
// {"items": [...], "total": N} addressed by limit/offset. The cursor is
// the numeric offset of the next page.
func offsetStream[T any](s *SpotifySource, path string, extra url.Values, decode func(json.RawMessage) (T, error)) *Stream[T] {
	return NewStream(func(ctx context.Context, cursor string) ([]T, string, error) {
		offset := 0
		if cursor != "" {
			n, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, "", errkind.Newf(errkind.KindFatal, "spotify: bad page cursor %q", cursor)
			}
			offset = n
		}

		q := url.Values{}
		for k, vs := range extra {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(spotifyPageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page struct {
			Items []json.RawMessage `json:"items"`
			Total int               `json:"total"`
		}
		if err := s.get(ctx, path+"?"+q.Encode(), &page); err != nil {
			return nil, "", err
		}

		items := make([]T, 0, len(page.Items))
		for _, raw := range page.Items {
			item, err := decode(raw)
			if err != nil {
				return nil, "", errkind.Wrap(errkind.KindTransient, fmt.Errorf("spotify: decode %s: %w", path, err))
			}
			items = append(items, item)
		}

		next := ""
		if offset+len(page.Items) < page.Total && len(page.Items) > 0 {
			next = strconv.Itoa(offset + len(page.Items))
		}
		return items, next, nil
	})
}

func filterStream[T any](inner *Stream[T], keep func(T) bool) *Stream[T] {
	return NewStream(func(ctx context.Context, _ string) ([]T, string, error) {
		for {
			item, err := inner.Next(ctx)
			if err != nil {
				if err == ErrEndOfStream {
					return nil, "", nil
				}
				// Keep paging alive so the caller can retry.
				return nil, "retry", err
			}
			if keep(item) {
				return []T{item}, "more", nil
			}
		}
	})
}

func (s *SpotifySource) get(ctx context.Context, path string, out any) error {
	tok, err := s.tokens.AccessToken(ctx, s.Name())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("spotify: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := s.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, fmt.Errorf("spotify: GET %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkUpstreamStatus("spotify", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.KindTransient, fmt.Errorf("spotify: decode %s: %w", path, err))
	}
	return nil
}

// checkUpstreamStatus classifies a non-2xx response from a catalog
// service. 401 means the token the manager handed out was rejected, so
// the user must re-authorize.
func checkUpstreamStatus(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errkind.Newf(errkind.KindNeedsReauth, "%s: %s", service, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errkind.Newf(errkind.KindRateLimited, "%s: %s", service, resp.Status)
	case resp.StatusCode >= 500:
		return errkind.Newf(errkind.KindTransient, "%s: %s: %s", service, resp.Status, snippet)
	case resp.StatusCode == http.StatusNotFound:
		return errkind.Newf(errkind.KindNotFound, "%s: %s", service, resp.Status)
	default:
		return errkind.Newf(errkind.KindValidation, "%s: %s: %s", service, resp.Status, strings.TrimSpace(string(snippet)))
	}
}
