package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/credstore"
)

// FlowState tracks one authorization attempt through its state machine:
// Idle -> AwaitingRedirect -> AwaitingCallback -> Exchanging -> Authenticated,
// with Failed reachable from AwaitingCallback (state mismatch, consent
// denial, flow timeout) and from Exchanging (non-2xx token or user-info
// response).
type FlowState string

const (
	StateIdle             FlowState = "idle"
	StateAwaitingRedirect FlowState = "awaiting_redirect"
	StateAwaitingCallback FlowState = "awaiting_callback"
	StateExchanging       FlowState = "exchanging"
	StateAuthenticated    FlowState = "authenticated"
	StateFailed           FlowState = "failed"
)

// confirmationPage is rendered to the browser after a successful redirect.
const confirmationPage = `<!DOCTYPE html>
<html><head><title>pfeil</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Login complete</h1>
<p>You can close this window and return to the terminal.</p>
</body></html>`

// Flow is a single interactive PKCE authorization attempt. The PKCE code
// verifier lives only in this struct for the duration of the flow and is
// never persisted.
type Flow struct {
	auth *Authenticator

	mu    sync.Mutex
	state FlowState

	authURL string
}

// NewFlow creates an idle authorization flow.
func (a *Authenticator) NewFlow() *Flow {
	return &Flow{auth: a, state: StateIdle}
}

// State returns the flow's current state.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AuthURL returns the authorization URL once the flow has started.
func (f *Flow) AuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL
}

func (f *Flow) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) fail(err error) (*credstore.Credential, error) {
	f.setState(StateFailed)
	return nil, err
}

// callbackResult carries the outcome of one redirect hit.
type callbackResult struct {
	code string
	err  error
}

// Run executes the flow end to end: it emits the authorization URL through
// notify, listens for the redirect, exchanges the authorization code with
// the PKCE verifier as proof of possession, resolves the owner email, and
// persists the credential. The flow times out after Config.FlowTimeout;
// expiry is terminal and requires a fresh flow.
func (f *Flow) Run(ctx context.Context, notify func(authURL string)) (*credstore.Credential, error) {
	if f.State() != StateIdle {
		return nil, fmt.Errorf("oauth: flow already used")
	}

	cfg := f.auth.oauth2Config()
	verifier := oauth2.GenerateVerifier()
	antiCSRF, err := randomState()
	if err != nil {
		return f.fail(api.NewAuthError(0, "generating anti-CSRF state", err))
	}

	authURL := cfg.AuthCodeURL(antiCSRF,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
	f.mu.Lock()
	f.authURL = authURL
	f.state = StateAwaitingRedirect
	f.mu.Unlock()

	// Start the single-purpose redirect listener before announcing the URL
	// so the redirect cannot race listener startup.
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", f.auth.cfg.RedirectPort))
	if err != nil {
		return f.fail(api.NewAuthError(0, "starting redirect listener", err))
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(f.auth.cfg.RedirectPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusForbidden)
			sendResult(results, callbackResult{err: api.NewAuthError(0, "consent denied: "+q.Get("error"), nil)})
		case q.Get("state") != antiCSRF:
			// Possible CSRF or a stray redirect from another flow.
			// Fatal and non-retryable.
			http.Error(w, "state mismatch", http.StatusBadRequest)
			sendResult(results, callbackResult{err: api.NewAuthError(0, "anti-CSRF state mismatch", nil)})
		case q.Get("code") == "":
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			sendResult(results, callbackResult{err: api.NewAuthError(0, "redirect carried no authorization code", nil)})
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, confirmationPage)
			sendResult(results, callbackResult{code: q.Get("code")})
		}
	})
	// Any other path.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if notify != nil {
		notify(authURL)
	}
	f.setState(StateAwaitingCallback)

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return f.fail(res.err)
		}
		code = res.code
	case <-time.After(f.auth.cfg.FlowTimeout):
		return f.fail(api.NewAuthError(0, fmt.Sprintf("login not completed within %s", f.auth.cfg.FlowTimeout), nil))
	case <-ctx.Done():
		return f.fail(api.NewAuthError(0, "login cancelled", ctx.Err()))
	}

	f.setState(StateExchanging)

	// The code verifier, never the challenge, proves possession.
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return f.fail(api.NewAuthError(rerr.Response.StatusCode, "authorization code exchange rejected", err))
		}
		return f.fail(api.NewAuthError(0, "authorization code exchange failed", err))
	}

	email, err := f.auth.ownerEmail(ctx, tok)
	if err != nil {
		return f.fail(err)
	}

	cred := credstore.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		OwnerEmail:   email,
	}
	if f.auth.store != nil {
		if err := f.auth.store.Save(cred); err != nil {
			return f.fail(api.NewStorageError("persisting credential", err))
		}
	}

	f.setState(StateAuthenticated)
	slog.Info("oauth: login complete", "account", email)
	return &cred, nil
}

// sendResult delivers the first callback outcome; later hits are dropped.
func sendResult(ch chan<- callbackResult, res callbackResult) {
	select {
	case ch <- res:
	default:
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
