// SPDX-License-Identifier: MIT

package importer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/errkind"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context, string) (string, error) {
	return string(s), nil
}

func newTestSource(t *testing.T, handler http.Handler) *SpotifySource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src := NewSpotifySource(staticTokens("tok-1"), srv.Client())
	src.baseURL = srv.URL
	return src
}

func TestSpotifySource_FollowedArtistsCursorPaging(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/me/following", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("after") {
		case "":
			fmt.Fprint(w, `{"artists":{"items":[{"id":"a1","name":"First","images":[{"url":"http://img/1"}]}],"cursors":{"after":"a1"}}}`)
		case "a1":
			fmt.Fprint(w, `{"artists":{"items":[{"id":"a2","name":"Second"}],"cursors":{"after":""}}}`)
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("after"))
		}
	}))

	artists, err := Collect(ctx, src.FollowedArtists(ctx))
	require.NoError(t, err)
	require.Len(t, artists, 2)
	assert.Equal(t, ArtistData{ID: "a1", Name: "First", ImageURL: "http://img/1"}, artists[0])
	assert.Equal(t, "a2", artists[1].ID)
}

func TestSpotifySource_ArtistAlbumsOffsetPaging(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/artists/a1/albums", r.URL.Path)
		switch r.URL.Query().Get("offset") {
		case "0":
			fmt.Fprint(w, `{"items":[{"id":"al1","name":"One","release_date":"1999-01-01"}],"total":2}`)
		case "1":
			fmt.Fprint(w, `{"items":[{"id":"al2","name":"Two"}],"total":2}`)
		default:
			t.Fatalf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))

	albums, err := Collect(ctx, src.ArtistAlbums(ctx, "a1"))
	require.NoError(t, err)
	require.Len(t, albums, 2)
	assert.Equal(t, "One", albums[0].Title)
	assert.Equal(t, "1999-01-01", albums[0].ReleaseDate)
	assert.Equal(t, "al2", albums[1].ID)
}

func TestSpotifySource_PlaylistTracksDropsLocalFiles(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[
			{"track":{"id":"t1","name":"Keep","track_number":1,"duration_ms":1000,"external_ids":{"isrc":"ISRC1"}}},
			{"track":{"id":"","name":"local file"}}
		],"total":2}`)
	}))

	tracks, err := Collect(ctx, src.PlaylistTracks(ctx, "pl1"))
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, TrackData{ID: "t1", Title: "Keep", TrackNumber: 1, DurationMS: 1000, ISRC: "ISRC1"}, tracks[0])
}

func TestSpotifySource_LookupTrack(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/search", r.URL.Path)
		fmt.Fprint(w, `{"tracks":{"items":[{"id":"t9","name":"Hit","track_number":3,"duration_ms":200000,"external_ids":{"isrc":"XX123"}}]}}`)
	}))

	got, err := src.LookupTrack(ctx, "Artist", "Hit")
	require.NoError(t, err)
	assert.Equal(t, "XX123", got.ISRC)
	assert.Equal(t, 3, got.TrackNumber)
}

func TestSpotifySource_LookupTrackMiss(t *testing.T) {
	ctx := context.Background()
	src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tracks":{"items":[]}}`)
	}))

	_, err := src.LookupTrack(ctx, "Artist", "Nothing")
	assert.True(t, errkind.NotFound(err))
}

func TestSpotifySource_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized needs reauth", http.StatusUnauthorized, func(err error) bool {
			return errkind.KindOf(err) == errkind.KindNeedsReauth
		}},
		{"rate limited", http.StatusTooManyRequests, func(err error) bool {
			return errkind.KindOf(err) == errkind.KindRateLimited
		}},
		{"server error transient", http.StatusBadGateway, errkind.IsRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			src := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := src.FollowedArtists(ctx).Next(ctx)
			require.Error(t, err)
			assert.True(t, tc.check(err), "got %v", err)
		})
	}
}
