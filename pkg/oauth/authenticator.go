// Package oauth implements the PKCE authorization-code flow, token refresh,
// and revocation against a Google-style OAuth provider, persisting the
// resulting credentials through the encrypted credential store.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/credstore"
)

// Google's published OAuth endpoints, used when the config names none.
const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

// Config holds the OAuth client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Endpoint     oauth2.Endpoint // AuthURL + TokenURL
	RevokeURL    string
	UserInfoURL  string

	// RedirectPort is the fixed local port for the redirect listener.
	RedirectPort int
	// RedirectPath is the single valid path on the listener.
	RedirectPath string

	// RefreshBuffer is how long before expiry a token counts as stale.
	RefreshBuffer time.Duration
	// FlowTimeout bounds one interactive login. Expiry is terminal; the
	// caller must restart the flow.
	FlowTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint.AuthURL == "" && c.Endpoint.TokenURL == "" {
		c.Endpoint = oauth2.Endpoint{AuthURL: googleAuthURL, TokenURL: googleTokenURL}
	}
	if c.RevokeURL == "" {
		c.RevokeURL = googleRevokeURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = googleUserInfoURL
	}
	if c.RedirectPort == 0 {
		c.RedirectPort = 8765
	}
	if c.RedirectPath == "" {
		c.RedirectPath = "/oauth/callback"
	}
	if c.RefreshBuffer == 0 {
		c.RefreshBuffer = 5 * time.Minute
	}
	if c.FlowTimeout == 0 {
		c.FlowTimeout = 5 * time.Minute
	}
	return c
}

// Authenticator acquires, refreshes, and revokes credentials.
type Authenticator struct {
	cfg        Config
	store      *credstore.Store
	httpClient *http.Client

	// refreshGroup collapses concurrent refreshes of the same credential
	// into one token exchange.
	refreshGroup singleflight.Group
}

// New creates an authenticator persisting through the given store.
func New(cfg Config, store *credstore.Store) *Authenticator {
	return &Authenticator{
		cfg:        cfg.withDefaults(),
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Authenticator) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Scopes:       a.cfg.Scopes,
		Endpoint:     a.cfg.Endpoint,
		RedirectURL:  fmt.Sprintf("http://localhost:%d%s", a.cfg.RedirectPort, a.cfg.RedirectPath),
	}
}

// NeedsRefresh reports whether the credential is inside the refresh buffer.
func (a *Authenticator) NeedsRefresh(cred *credstore.Credential) bool {
	return !time.Now().Add(a.cfg.RefreshBuffer).Before(cred.ExpiresAt)
}

// ValidCredential returns cred unchanged while it has at least the refresh
// buffer of lifetime left, otherwise refreshes it. A failed refresh is a
// hard error; the stale token is never silently reused.
// Concurrent callers holding the same credential share one refresh; the
// first caller's context bounds the exchange.
func (a *Authenticator) ValidCredential(ctx context.Context, cred *credstore.Credential) (*credstore.Credential, error) {
	if !a.NeedsRefresh(cred) {
		return cred, nil
	}
	key := cred.OwnerEmail
	if key == "" {
		key = cred.RefreshToken
	}
	v, err, _ := a.refreshGroup.Do(key, func() (any, error) {
		return a.Refresh(ctx, cred)
	})
	if err != nil {
		return nil, err
	}
	return v.(*credstore.Credential), nil
}

// Refresh exchanges the refresh token for a new access token and persists
// the updated credential. The refresh token is preserved unless the provider
// returns a new one.
func (a *Authenticator) Refresh(ctx context.Context, cred *credstore.Credential) (*credstore.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, api.NewAuthError(0, "credential has no refresh token", nil)
	}

	src := a.oauth2Config().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, api.NewAuthError(rerr.Response.StatusCode, "token refresh rejected", err)
		}
		return nil, api.NewAuthError(0, "token refresh failed", err)
	}

	updated := *cred
	updated.AccessToken = tok.AccessToken
	updated.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}

	if a.store != nil {
		if err := a.store.Save(updated); err != nil {
			return nil, api.NewStorageError("persisting refreshed credential", err)
		}
	}
	return &updated, nil
}

// Revoke invalidates the credential at the provider. The access token is
// passed as a query parameter. HTTP 400 means the token was already revoked
// and counts as success; any 5xx is fatal.
func (a *Authenticator) Revoke(ctx context.Context, cred *credstore.Credential) error {
	u := a.cfg.RevokeURL + "?token=" + url.QueryEscape(cred.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return api.NewAuthError(0, "building revoke request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return api.NewAuthError(0, "revoke request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		// Already revoked.
		return nil
	default:
		return api.NewAuthError(resp.StatusCode, "revoke rejected", nil)
	}
}

// ownerEmail resolves the account email for a freshly exchanged token:
// first from the id_token claims when present, otherwise from the user-info
// endpoint. A failure here fails the flow (the pool keys accounts by email).
func (a *Authenticator) ownerEmail(ctx context.Context, tok *oauth2.Token) (string, error) {
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if email := emailFromIDToken(idToken); email != "" {
			return email, nil
		}
	}
	if a.cfg.UserInfoURL == "" {
		return "", api.NewAuthError(0, "no id_token and no user-info endpoint configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserInfoURL, nil)
	if err != nil {
		return "", api.NewAuthError(0, "building user-info request", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", api.NewAuthError(0, "user-info request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", api.NewAuthError(resp.StatusCode, "user-info rejected", nil)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(resp.Body, &info); err != nil {
		return "", api.NewAuthError(0, "parsing user-info response", err)
	}
	if info.Email == "" {
		return "", api.NewAuthError(0, "user-info response carries no email", nil)
	}
	return info.Email, nil
}

// emailFromIDToken extracts the email claim without verifying the token
// signature. The token arrived over TLS directly from the token endpoint,
// so it identifies the account but is not used for authorization.
func emailFromIDToken(idToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	email, _ := claims["email"].(string)
	return strings.TrimSpace(email)
}
