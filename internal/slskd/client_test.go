// SPDX-License-Identifier: MIT

package slskd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/tonearm/internal/errkind"
	"github.com/ManuGH/tonearm/internal/types"
)

func TestMapState(t *testing.T) {
	cases := []struct {
		state string
		want  types.DownloadStatus
	}{
		{"Completed, Succeeded", types.DownloadStatusCompleted},
		{"Completed, Errored", types.DownloadStatusFailed},
		{"Completed, Cancelled", types.DownloadStatusCancelled},
		{"Completed, TimedOut", types.DownloadStatusFailed},
		{"Completed, Aborted", types.DownloadStatusCancelled},
		// A bare terminal state without a failure fragment is a success.
		{"completed", types.DownloadStatusCompleted},
		{"Succeeded", types.DownloadStatusCompleted},
		{"InProgress", types.DownloadStatusDownloading},
		{"Initializing", types.DownloadStatusDownloading},
		{"Queued, Remotely", types.DownloadStatusQueued},
		{"Queued, Locally", types.DownloadStatusQueued},
		{"Requested", types.DownloadStatusQueued},
		{"SomeFutureState", types.DownloadStatusQueued},
		{"", types.DownloadStatusQueued},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapState(tc.state), "state %q", tc.state)
	}
}

func TestHTTPClient_ListDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/api/v0/transfers/downloads", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{
				"username": "peer1",
				"directories": [{
					"files": [
						{"id": "t1", "filename": "a\\b\\song.flac", "state": "InProgress",
						 "size": 1000, "bytesTransferred": 400, "averageSpeed": 120.5},
						{"id": "t2", "filename": "a\\b\\other.flac", "state": "Completed, Errored",
						 "size": 2000, "bytesTransferred": 0, "exception": "connection timed out"}
					]
				}]
			}
		]`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret", srv.Client())
	downloads, err := client.ListDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, downloads, 2)

	assert.Equal(t, "t1", downloads[0].ID)
	assert.Equal(t, "peer1", downloads[0].Username)
	assert.Equal(t, types.DownloadStatusDownloading, downloads[0].Status)
	assert.Equal(t, 120.5, downloads[0].AverageSpeed)

	assert.Equal(t, types.DownloadStatusFailed, downloads[1].Status)
	assert.Equal(t, "connection timed out", downloads[1].ErrorMessage)
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   errkind.Kind
	}{
		{http.StatusUnauthorized, errkind.KindFatal},
		{http.StatusTooManyRequests, errkind.KindRateLimited},
		{http.StatusInternalServerError, errkind.KindTransient},
		{http.StatusNotFound, errkind.KindNotFound},
		{http.StatusBadRequest, errkind.KindValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client := NewHTTPClient(srv.URL, "k", srv.Client())
		_, err := client.ListDownloads(context.Background())
		require.Error(t, err)
		assert.Equal(t, tc.kind, errkind.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestHTTPClient_CancelTolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "k", srv.Client())
	assert.NoError(t, client.Cancel(context.Background(), "peer1", "t1"))
}

func TestHTTPClient_IsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/application", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	client := NewHTTPClient(srv.URL, "k", srv.Client())
	assert.True(t, client.IsAvailable(context.Background()))
	srv.Close()

	// Unreachable server.
	assert.False(t, client.IsAvailable(context.Background()))
}

func TestHTTPClient_Enqueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v0/transfers/downloads/peer1", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "k", srv.Client())
	assert.NoError(t, client.Enqueue(context.Background(), "peer1", "a\\b\\song.flac", 1000))
}
