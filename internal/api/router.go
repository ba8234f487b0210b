// SPDX-License-Identifier: MIT

// Package api serves the admin HTTP surface: health probes, status,
// queue and download inspection, and manual task triggers.
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/coordinator"
	"github.com/ManuGH/tonearm/internal/download"
	"github.com/ManuGH/tonearm/internal/health"
	"github.com/ManuGH/tonearm/internal/library"
	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/orchestrator"
	"github.com/ManuGH/tonearm/internal/queue"
	"github.com/ManuGH/tonearm/internal/resilience"
	"github.com/ManuGH/tonearm/internal/token"
)

// Deps carries everything the handlers read from. All fields except
// APIKey are required.
type Deps struct {
	Health       *health.Manager
	Scheduler    *coordinator.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Library      *library.Repository
	Downloads    *download.Repository
	Blocklist    *download.Blocklist
	Queue        *queue.Store
	Breakers     *resilience.Registry
	Sessions     token.SessionStore
	Tokens       *token.Repository

	// SpotifyAuth enables the /auth/spotify consent flow when set.
	SpotifyAuth *SpotifyAuth

	// APIKey protects /api; empty disables auth (local deployments).
	APIKey string
}

// NewRouter builds the admin router. Probes stay outside auth and rate
// limiting so orchestrators can always reach them.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/healthz", deps.Health.ServeHealth)
	r.Get("/readyz", deps.Health.ServeReady)

	h := &handlers{deps: deps}

	if deps.SpotifyAuth != nil {
		r.Route("/auth/spotify", func(r chi.Router) {
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Get("/login", h.spotifyLogin)
			r.Get("/callback", h.spotifyCallback)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		if deps.APIKey != "" {
			r.Use(requireAPIKey(deps.APIKey))
		}

		r.Get("/status", h.status)
		r.Get("/queue", h.listQueue)
		r.Get("/downloads", h.listDownloads)
		r.Post("/downloads/{id}/retry", h.retryDownload)
		r.Get("/blocklist", h.listBlocklist)
		r.Post("/tasks/{type}/run", h.runTask)
	})

	return r
}

// requestID tags every request with an id carried through the log
// context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Debug().
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
