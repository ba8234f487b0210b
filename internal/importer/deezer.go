// SPDX-License-Identifier: MIT

package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ManuGH/tonearm/internal/errkind"
)

// DeezerProvider looks up track metadata on the public Deezer API. No
// authentication is required, which makes it a cheap second opinion
// after Spotify.
type DeezerProvider struct {
	baseURL string
	http    *http.Client
}

func NewDeezerProvider(httpClient *http.Client) *DeezerProvider {
	return &DeezerProvider{baseURL: "https://api.deezer.com", http: httpClient}
}

func (d *DeezerProvider) Name() string { return "deezer" }

// LookupTrack searches for the track, then fetches the full track
// object. The search result alone carries no ISRC or track position.
func (d *DeezerProvider) LookupTrack(ctx context.Context, artist, title string) (*TrackData, error) {
	q := url.Values{"q": {fmt.Sprintf(`artist:%q track:%q`, artist, title)}, "limit": {"1"}}

	var search struct {
		Data []struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := d.get(ctx, "/search?"+q.Encode(), &search); err != nil {
		return nil, err
	}
	if len(search.Data) == 0 {
		return nil, errkind.Newf(errkind.KindNotFound, "deezer: no match for %q / %q", artist, title)
	}

	var track struct {
		ID            int64  `json:"id"`
		Title         string `json:"title"`
		ISRC          string `json:"isrc"`
		Duration      int    `json:"duration"` // seconds
		TrackPosition int    `json:"track_position"`
	}
	if err := d.get(ctx, "/track/"+strconv.FormatInt(search.Data[0].ID, 10), &track); err != nil {
		return nil, err
	}
	return &TrackData{
		ID:          strconv.FormatInt(track.ID, 10),
		Title:       track.Title,
		TrackNumber: track.TrackPosition,
		DurationMS:  track.Duration * 1000,
		ISRC:        track.ISRC,
	}, nil
}

func (d *DeezerProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("deezer: build request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, fmt.Errorf("deezer: GET %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkUpstreamStatus("deezer", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.KindTransient, fmt.Errorf("deezer: decode %s: %w", path, err))
	}
	return nil
}
