// SPDX-License-Identifier: MIT

package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ManuGH/tonearm/internal/errkind"
)

// musicbrainzUserAgent identifies us to MusicBrainz, which rejects
// anonymous clients.
const musicbrainzUserAgent = "tonearm/1.0 (+https://github.com/ManuGH/tonearm)"

// MusicBrainzProvider resolves recordings against the MusicBrainz web
// service. Last in the provider chain; it is slow but has the widest
// coverage.
type MusicBrainzProvider struct {
	baseURL string
	http    *http.Client
}

func NewMusicBrainzProvider(httpClient *http.Client) *MusicBrainzProvider {
	return &MusicBrainzProvider{baseURL: "https://musicbrainz.org", http: httpClient}
}

func (m *MusicBrainzProvider) Name() string { return "musicbrainz" }

func (m *MusicBrainzProvider) LookupTrack(ctx context.Context, artist, title string) (*TrackData, error) {
	q := url.Values{
		"query": {fmt.Sprintf(`artist:%q AND recording:%q`, artist, title)},
		"fmt":   {"json"},
		"limit": {"1"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.baseURL+"/ws/2/recording?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz: build request: %w", err)
	}
	req.Header.Set("User-Agent", musicbrainzUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, fmt.Errorf("musicbrainz: search: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkUpstreamStatus("musicbrainz", resp); err != nil {
		return nil, err
	}

	var result struct {
		Recordings []struct {
			ID     string   `json:"id"`
			Title  string   `json:"title"`
			Length int      `json:"length"` // milliseconds
			ISRCs  []string `json:"isrcs"`
		} `json:"recordings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, fmt.Errorf("musicbrainz: decode: %w", err))
	}
	if len(result.Recordings) == 0 {
		return nil, errkind.Newf(errkind.KindNotFound, "musicbrainz: no match for %q / %q", artist, title)
	}

	rec := result.Recordings[0]
	dto := &TrackData{ID: rec.ID, Title: rec.Title, DurationMS: rec.Length}
	if len(rec.ISRCs) > 0 {
		dto.ISRC = rec.ISRCs[0]
	}
	return dto, nil
}
