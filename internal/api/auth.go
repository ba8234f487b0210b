// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/tonearm/internal/log"
	"github.com/ManuGH/tonearm/internal/token"
)

const sessionCookie = "tonearm_session"

// SpotifyAuth configures the browser consent flow. A nil value disables
// the /auth/spotify routes.
type SpotifyAuth struct {
	Endpoint     *token.OAuthEndpoint
	AuthorizeURL string
	ClientID     string
	RedirectURL  string
	Scopes       string
	SessionTTL   time.Duration
}

// spotifyLogin opens the consent flow: a short-lived session carries the
// state nonce across the redirect, then the browser goes to Spotify.
func (h *handlers) spotifyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth := h.deps.SpotifyAuth

	sess := token.NewSession(auth.SessionTTL, time.Now())
	sess.Values["state"] = uuid.NewString()
	if err := h.deps.Sessions.Put(ctx, sess); err != nil {
		writeKindedError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/auth",
		MaxAge:   int(auth.SessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {auth.ClientID},
		"redirect_uri":  {auth.RedirectURL},
		"scope":         {auth.Scopes},
		"state":         {sess.Values["state"]},
	}
	http.Redirect(w, r, auth.AuthorizeURL+"?"+q.Encode(), http.StatusFound)
}

// spotifyCallback finishes the flow: verify the state nonce against the
// session, trade the code for tokens, and persist them for the refresh
// worker to keep alive.
func (h *handlers) spotifyCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auth := h.deps.SpotifyAuth

	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session cookie"})
		return
	}
	sess, err := h.deps.Sessions.Get(ctx, cookie.Value)
	if err != nil {
		writeKindedError(w, err)
		return
	}

	query := r.URL.Query()
	if query.Get("state") == "" || query.Get("state") != sess.Values["state"] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state mismatch"})
		return
	}
	if errParam := query.Get("error"); errParam != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "consent denied: " + errParam})
		return
	}

	tok, err := auth.Endpoint.Exchange(ctx, query.Get("code"), auth.RedirectURL)
	if err != nil {
		writeKindedError(w, err)
		return
	}
	tok.Service = "spotify"
	if err := h.deps.Tokens.Save(ctx, tok); err != nil {
		writeKindedError(w, err)
		return
	}
	_ = h.deps.Sessions.Delete(ctx, sess.ID)

	l := log.WithComponentFromContext(ctx, "api")
	l.Info().
		Str(log.FieldService, "spotify").Msg("authorization completed")
	writeJSON(w, http.StatusOK, map[string]string{"service": "spotify", "status": "authorized"})
}
