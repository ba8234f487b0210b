// SPDX-License-Identifier: MIT

package slskd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/errkind"
)

// SearchResult is one file a peer offers in response to a search.
type SearchResult struct {
	Username string
	Filename string
	Size     int64
	BitRate  int
	HasSlot  bool
	QueueLen int
}

// Searcher finds download candidates on the peer-to-peer network.
type Searcher interface {
	Search(ctx context.Context, query string, wait time.Duration) ([]SearchResult, error)
}

const searchPollInterval = 500 * time.Millisecond

// Search starts a network search and collects responses for up to wait.
// The search is deleted server-side afterwards; slskd otherwise keeps
// them around indefinitely.
func (c *HTTPClient) Search(ctx context.Context, query string, wait time.Duration) ([]SearchResult, error) {
	id := uuid.NewString()
	body, err := json.Marshal(map[string]any{"id": id, "searchText": query})
	if err != nil {
		return nil, fmt.Errorf("slskd: marshal search: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v0/searches", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := drainAndCheck(c, resp); err != nil {
		return nil, err
	}
	defer c.deleteSearch(id)

	deadline := time.Now().Add(wait)
	for {
		done, err := c.searchComplete(ctx, id)
		if err != nil {
			return nil, err
		}
		if done || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errkind.Wrap(errkind.KindTransient, ctx.Err())
		case <-time.After(searchPollInterval):
		}
	}
	return c.searchResponses(ctx, id)
}

func (c *HTTPClient) searchComplete(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v0/searches/"+url.PathEscape(id), nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkStatus(resp); err != nil {
		return false, err
	}

	var state struct {
		IsComplete bool `json:"isComplete"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false, errkind.Wrap(errkind.KindTransient, fmt.Errorf("slskd: decode search state: %w", err))
	}
	return state.IsComplete, nil
}

func (c *HTTPClient) searchResponses(ctx context.Context, id string) ([]SearchResult, error) {
	resp, err := c.do(ctx, http.MethodGet,
		"/api/v0/searches/"+url.PathEscape(id)+"/responses", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var responses []struct {
		Username    string `json:"username"`
		HasFreeSlot bool   `json:"hasFreeUploadSlot"`
		QueueLength int    `json:"queueLength"`
		Files       []struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
			BitRate  int    `json:"bitRate"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, fmt.Errorf("slskd: decode search responses: %w", err))
	}

	var out []SearchResult
	for _, r := range responses {
		for _, f := range r.Files {
			out = append(out, SearchResult{
				Username: r.Username,
				Filename: f.Filename,
				Size:     f.Size,
				BitRate:  f.BitRate,
				HasSlot:  r.HasFreeSlot,
				QueueLen: r.QueueLength,
			})
		}
	}
	return out, nil
}

func (c *HTTPClient) deleteSearch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodDelete, "/api/v0/searches/"+url.PathEscape(id), nil)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func drainAndCheck(c *HTTPClient, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	return c.checkStatus(resp)
}

// audioExtensions ranks candidate files; lossless beats lossy.
var audioExtensions = map[string]int{
	".flac": 3,
	".mp3":  2,
	".m4a":  2,
	".ogg":  1,
	".opus": 1,
	".wav":  1,
}

// PickCandidate chooses the best search result for a track: known audio
// extensions only, peers with a free slot first, then format quality,
// then bit rate, then shortest queue.
func PickCandidate(results []SearchResult) (SearchResult, bool) {
	var (
		best     SearchResult
		bestRank int
		found    bool
	)
	for _, r := range results {
		rank, ok := audioExtensions[strings.ToLower(path.Ext(normalizePath(r.Filename)))]
		if !ok {
			continue
		}
		if !found || better(r, rank, best, bestRank) {
			best, bestRank, found = r, rank, true
		}
	}
	return best, found
}

// Peers report Windows-style paths; path.Ext needs forward slashes.
func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func better(r SearchResult, rank int, best SearchResult, bestRank int) bool {
	switch {
	case r.HasSlot != best.HasSlot:
		return r.HasSlot
	case rank != bestRank:
		return rank > bestRank
	case r.BitRate != best.BitRate:
		return r.BitRate > best.BitRate
	default:
		return r.QueueLen < best.QueueLen
	}
}
