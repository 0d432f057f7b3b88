// Package auth authenticates inbound callers of the gateway.
//
// Two modes: none (development) and static API keys. Keys are hashed with
// SHA-256 at load time and compared in constant time; plaintext keys are
// never retained.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated reports a missing or invalid credential.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity describes an authenticated caller.
type Identity struct {
	Subject string
}

type identityKey struct{}

// SetIdentity stores the caller identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Authenticator decides whether a request may pass.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// allowAll accepts every request with an anonymous identity.
type allowAll struct{}

func (allowAll) Authenticate(context.Context, *http.Request) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}

// AllowAll returns the development authenticator.
func AllowAll() Authenticator { return allowAll{} }

// keyEntry maps a key hash to its subject.
type keyEntry struct {
	hash    [32]byte
	subject string
}

// apiKeys validates x-api-key headers against a static key table.
type apiKeys struct {
	entries []keyEntry
}

// RawKey is the configuration shape for one inbound API key.
type RawKey struct {
	Key     string
	Subject string
}

// NewAPIKeys creates an API-key authenticator. Keys are hashed immediately.
func NewAPIKeys(keys []RawKey) Authenticator {
	a := &apiKeys{}
	for _, k := range keys {
		a.entries = append(a.entries, keyEntry{hash: sha256.Sum256([]byte(k.Key)), subject: k.Subject})
	}
	return a
}

// Authenticate accepts either "x-api-key: <key>" or "Authorization: Bearer <key>".
func (a *apiKeys) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	key := r.Header.Get("x-api-key")
	if key == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if key == "" {
		return nil, ErrUnauthenticated
	}

	hash := sha256.Sum256([]byte(key))
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(hash[:], e.hash[:]) == 1 {
			return &Identity{Subject: e.subject}, nil
		}
	}
	return nil, ErrUnauthenticated
}

// Middleware wraps a handler with authentication. Paths in bypass skip
// the check (health and metrics endpoints).
func Middleware(authn Authenticator, bypass []string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(bypass))
	for _, p := range bypass {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			id, err := authn.Authenticate(r.Context(), r)
			if err != nil || id == nil || id.Subject == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid or missing api key"}}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), id)))
		})
	}
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/metrics"}
