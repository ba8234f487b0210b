// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/tonearm/internal/errkind"
)

// OAuthEndpoint implements RefreshFunc against a standard OAuth 2.0 token
// endpoint using the refresh_token grant.
type OAuthEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
	clock        clock
}

// NewOAuthEndpoint creates an endpoint. The http.Client comes from the
// shared outbound pool.
func NewOAuthEndpoint(tokenURL, clientID, clientSecret string, httpClient *http.Client) *OAuthEndpoint {
	return &OAuthEndpoint{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTP:         httpClient,
		clock:        realClock{},
	}
}

// Refresh exchanges the refresh token. invalid_grant maps to
// KindNeedsReauth; upstream 5xx and transport errors map to
// KindTransient so callers retry; 429 maps to KindRateLimited.
func (e *OAuthEndpoint) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {e.ClientID},
	}
	return e.post(ctx, form)
}

// Exchange trades an authorization code from the browser consent flow
// for the initial token pair.
func (e *OAuthEndpoint) Exchange(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {e.ClientID},
	}
	return e.post(ctx, form)
}

func (e *OAuthEndpoint) post(ctx context.Context, form url.Values) (*Token, error) {
	if e.ClientSecret != "" {
		form.Set("client_secret", e.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errkind.Newf(errkind.KindFatal, "token: build token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, errkind.Newf(errkind.KindTransient, "token: endpoint call failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, errkind.Newf(errkind.KindTransient, "token: read token response: %v", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errkind.Newf(errkind.KindRateLimited, "token: endpoint rate limited")
	case resp.StatusCode >= 500:
		return nil, errkind.Newf(errkind.KindTransient, "token: endpoint returned %s", resp.Status)
	default:
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" {
			return nil, errkind.Newf(errkind.KindNeedsReauth, "token: grant rejected")
		}
		return nil, errkind.Newf(errkind.KindFatal, "token: grant rejected with %s (%s)", resp.Status, oauthErr.Error)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errkind.Newf(errkind.KindTransient, "token: decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		return nil, errkind.Newf(errkind.KindFatal, "token: response carries no access token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    e.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
