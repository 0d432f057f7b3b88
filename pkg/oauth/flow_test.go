package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

// fakeProvider is a token + user-info endpoint pair that records the
// exchange parameters it receives.
type fakeProvider struct {
	ts           *httptest.Server
	gotCode      string
	gotVerifier  string
	tokenStatus  int
	failUserInfo bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fp.gotCode = r.Form.Get("code")
		fp.gotVerifier = r.Form.Get("code_verifier")
		if fp.tokenStatus != http.StatusOK {
			http.Error(w, `{"error":"server_error"}`, fp.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "ya29.flow",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "1//flow",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if fp.failUserInfo {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		assert.Equal(t, "Bearer ya29.flow", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"email": "dev@example.com"})
	})
	fp.ts = httptest.NewServer(mux)
	t.Cleanup(fp.ts.Close)
	return fp
}

func (fp *fakeProvider) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  fp.ts.URL + "/auth",
		TokenURL: fp.ts.URL + "/token",
	}
}

// completeRedirect simulates the browser hitting the local listener with the
// given query values, taking state/challenge from the emitted auth URL.
func completeRedirect(t *testing.T, authURL string, port int, mutate func(url.Values)) *http.Response {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)

	q := url.Values{}
	q.Set("state", parsed.Query().Get("state"))
	q.Set("code", "auth-code-1")
	if mutate != nil {
		mutate(q)
	}
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/oauth/callback?%s", port, q.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestFlowHappyPath(t *testing.T) {
	fp := newFakeProvider(t)
	const port = 18841
	a := newTestAuthenticator(t, fp.endpoint(), "", fp.ts.URL+"/userinfo", port)

	flow := a.NewFlow()
	assert.Equal(t, StateIdle, flow.State())

	urls := make(chan string, 1)
	type result struct {
		email string
		err   error
	}
	results := make(chan result, 1)
	go func() {
		cred, err := flow.Run(context.Background(), func(u string) { urls <- u })
		var email string
		if cred != nil {
			email = cred.OwnerEmail
		}
		results <- result{email: email, err: err}
	}()

	authURL := <-urls
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))

	resp := completeRedirect(t, authURL, port, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "dev@example.com", res.email)
	assert.Equal(t, StateAuthenticated, flow.State())

	// The exchange used the verifier, never the challenge.
	assert.Equal(t, "auth-code-1", fp.gotCode)
	assert.NotEmpty(t, fp.gotVerifier)
	assert.NotEqual(t, q.Get("code_challenge"), fp.gotVerifier)
}

func TestFlowStateMismatchIsFatal(t *testing.T) {
	fp := newFakeProvider(t)
	const port = 18842
	a := newTestAuthenticator(t, fp.endpoint(), "", fp.ts.URL+"/userinfo", port)

	flow := a.NewFlow()
	urls := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := flow.Run(context.Background(), func(u string) { urls <- u })
		errs <- err
	}()

	authURL := <-urls
	resp := completeRedirect(t, authURL, port, func(q url.Values) {
		q.Set("state", "forged-state")
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	err := <-errs
	var gerr *api.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, api.ErrKindAuth, gerr.Kind)
	assert.Contains(t, gerr.Message, "state mismatch")
	assert.Equal(t, StateFailed, flow.State())
	assert.Empty(t, fp.gotCode, "no exchange after a state mismatch")
}

func TestFlowConsentDenied(t *testing.T) {
	fp := newFakeProvider(t)
	const port = 18843
	a := newTestAuthenticator(t, fp.endpoint(), "", fp.ts.URL+"/userinfo", port)

	flow := a.NewFlow()
	urls := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := flow.Run(context.Background(), func(u string) { urls <- u })
		errs <- err
	}()

	authURL := <-urls
	completeRedirect(t, authURL, port, func(q url.Values) {
		q.Del("code")
		q.Set("error", "access_denied")
	})

	err := <-errs
	var gerr *api.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, api.ErrKindAuth, gerr.Kind)
	assert.Contains(t, gerr.Message, "consent denied")
	assert.Equal(t, StateFailed, flow.State())
}

func TestFlowExchangeFailure(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenStatus = http.StatusBadRequest
	const port = 18844
	a := newTestAuthenticator(t, fp.endpoint(), "", fp.ts.URL+"/userinfo", port)

	flow := a.NewFlow()
	urls := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := flow.Run(context.Background(), func(u string) { urls <- u })
		errs <- err
	}()

	completeRedirect(t, <-urls, port, nil)

	err := <-errs
	var gerr *api.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, api.ErrKindAuth, gerr.Kind)
	assert.Equal(t, http.StatusBadRequest, gerr.HTTPStatus)
	assert.Equal(t, StateFailed, flow.State())
}

func TestFlowListenerRejectsOtherPaths(t *testing.T) {
	fp := newFakeProvider(t)
	const port = 18845
	a := newTestAuthenticator(t, fp.endpoint(), "", fp.ts.URL+"/userinfo", port)

	flow := a.NewFlow()
	urls := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		_, err := flow.Run(context.Background(), func(u string) { urls <- u })
		errs <- err
	}()

	authURL := <-urls
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/some/other/path", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Finish the flow normally so the goroutine exits.
	completeRedirect(t, authURL, port, nil)
	require.NoError(t, <-errs)
}

func TestFlowTimeout(t *testing.T) {
	fp := newFakeProvider(t)
	const port = 18846
	a := New(Config{
		ClientID:     "client-id",
		Endpoint:     fp.endpoint(),
		UserInfoURL:  fp.ts.URL + "/userinfo",
		RedirectPort: port,
		FlowTimeout:  100 * time.Millisecond,
	}, nil)

	flow := a.NewFlow()
	_, err := flow.Run(context.Background(), nil)
	var gerr *api.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, api.ErrKindAuth, gerr.Kind)
	assert.Equal(t, StateFailed, flow.State())
}
