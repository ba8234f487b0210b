// SPDX-License-Identifier: MIT

// Package slskd talks to the slskd REST API, the peer-to-peer client that
// performs the actual file transfers.
package slskd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/types"
)

// ExternalDownload is one transfer as reported by the client.
type ExternalDownload struct {
	ID               string
	Username         string
	Filename         string
	State            string // raw client state, e.g. "Completed, Errored"
	Status           types.DownloadStatus
	Size             int64
	BytesTransferred int64
	AverageSpeed     float64
	ErrorMessage     string
}

// Client is the minimal surface the workers need from the download client.
type Client interface {
	IsAvailable(ctx context.Context) bool
	ListDownloads(ctx context.Context) ([]ExternalDownload, error)
	Enqueue(ctx context.Context, username, filepath string, size int64) error
	Cancel(ctx context.Context, username, id string) error
}

// HTTPClient implements Client against the slskd REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client. The http.Client comes from the shared
// outbound pool.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// IsAvailable probes the application endpoint. Any 2xx means the client
// is reachable and authenticated.
func (c *HTTPClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/v0/application", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// userDownloads mirrors the slskd downloads payload: transfers grouped by
// user, then by directory.
type userDownloads struct {
	Username    string `json:"username"`
	Directories []struct {
		Files []transferFile `json:"files"`
	} `json:"directories"`
}

type transferFile struct {
	ID               string  `json:"id"`
	Username         string  `json:"username"`
	Filename         string  `json:"filename"`
	State            string  `json:"state"`
	Size             int64   `json:"size"`
	BytesTransferred int64   `json:"bytesTransferred"`
	AverageSpeed     float64 `json:"averageSpeed"`
	Exception        string  `json:"exception"`
}

// ListDownloads returns all transfers the client currently tracks,
// flattened and with states mapped into the canonical status set.
func (c *HTTPClient) ListDownloads(ctx context.Context) ([]ExternalDownload, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v0/transfers/downloads", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var users []userDownloads
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, fmt.Errorf("slskd: decode downloads: %w", err))
	}

	var out []ExternalDownload
	for _, user := range users {
		for _, dir := range user.Directories {
			for _, f := range dir.Files {
				username := f.Username
				if username == "" {
					username = user.Username
				}
				out = append(out, ExternalDownload{
					ID:               f.ID,
					Username:         username,
					Filename:         f.Filename,
					State:            f.State,
					Status:           MapState(f.State),
					Size:             f.Size,
					BytesTransferred: f.BytesTransferred,
					AverageSpeed:     f.AverageSpeed,
					ErrorMessage:     f.Exception,
				})
			}
		}
	}
	return out, nil
}

// Enqueue asks the client to start downloading a file from a peer.
func (c *HTTPClient) Enqueue(ctx context.Context, username, filepath string, size int64) error {
	payload := []map[string]any{{"filename": filepath, "size": size}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slskd: marshal enqueue: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost,
		"/api/v0/transfers/downloads/"+url.PathEscape(username), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.checkStatus(resp)
}

// Cancel removes a transfer. A 404 is treated as success: the transfer is
// already gone, which is the state the caller wants.
func (c *HTTPClient) Cancel(ctx context.Context, username, id string) error {
	path := fmt.Sprintf("/api/v0/transfers/downloads/%s/%s?remove=true",
		url.PathEscape(username), url.PathEscape(id))
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.checkStatus(resp)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("slskd: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, fmt.Errorf("slskd: %s %s: %w", method, path, err))
	}
	return resp, nil
}

func (c *HTTPClient) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.Newf(errkind.KindFatal, "slskd: %s: %s", resp.Status, snippet)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errkind.Newf(errkind.KindRateLimited, "slskd: %s", resp.Status)
	case resp.StatusCode >= 500:
		return errkind.Newf(errkind.KindTransient, "slskd: %s: %s", resp.Status, snippet)
	case resp.StatusCode == http.StatusNotFound:
		return errkind.Newf(errkind.KindNotFound, "slskd: %s", resp.Status)
	default:
		return errkind.Newf(errkind.KindValidation, "slskd: %s: %s", resp.Status, snippet)
	}
}
