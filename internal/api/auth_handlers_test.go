package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/auth/custos"
	"idbridge/internal/observability"
)

// fakeIdP serves the minimum OIDC surface for callback tests. The nonce for
// the next ID token is captured from the authorization URL built at login.
type fakeIdP struct {
	srv   *httptest.Server
	key   *rsa.PrivateKey
	nonce string
	email string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	f := &fakeIdP{key: key, email: "a@b.com"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": f.srv.URL + "/authorize",
			"token_endpoint":         f.srv.URL + "/token",
			"userinfo_endpoint":      f.srv.URL + "/userinfo",
			"end_session_endpoint":   f.srv.URL + "/logout",
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
			(&jose.SignerOptions{}).WithType("JWT"),
		)
		if err != nil {
			t.Errorf("create signer: %v", err)
			return
		}
		raw, err := jwt.Signed(signer).Claims(map[string]any{
			"sub":   "ext-1",
			"email": f.email,
			"nonce": f.nonce,
		}).Serialize()
		if err != nil {
			t.Errorf("sign id_token: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fake-access-token",
			"token_type":   "Bearer",
			"id_token":     raw,
			"expires_in":   3600,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type testEnv struct {
	srv      *httptest.Server
	client   *http.Client
	idp      *fakeIdP
	store    *auth.MemoryStore
	recorder *audit.MemoryRecorder
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	idp := newFakeIdP(t)
	store := auth.NewMemoryStore()

	adapter, err := custos.New(context.Background(), custos.Config{
		Provider:               custos.ProviderCustos,
		ClientID:               "test-client-id",
		ClientSecret:           "test-client-secret",
		RedirectURI:            "https://portal.example.org/auth/custos/callback",
		WellKnownOIDCConfigURI: idp.srv.URL + "/.well-known/openid-configuration",
	}, store, custos.Options{HTTPClient: idp.srv.Client()})
	if err != nil {
		t.Fatalf("custos.New: %v", err)
	}

	recorder := audit.NewMemoryRecorder()
	metrics := observability.NewMetrics(observability.MetricsConfig{Enabled: true, Namespace: "idbridge"})

	opts := Options{
		Adapters:         []*custos.Authnz{adapter},
		Store:            store,
		Sessions:         auth.NewMemorySessionStore(),
		Recorder:         recorder,
		Metrics:          metrics,
		LoginRedirectURL: "/",
	}
	if mutate != nil {
		mutate(&opts)
	}

	mux := http.NewServeMux()
	server := NewServer(mux, opts)
	server.RegisterRoutes()
	srv := httptest.NewServer(ApplyMiddlewares(mux, RequestIDMiddleware(), LoggingMiddleware(nil, metrics)))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testEnv{srv: srv, client: client, idp: idp, store: store, recorder: recorder, metrics: metrics}
}

// login performs the login redirect and returns the state the provider
// would echo back. The hashed nonce is wired into the fake IdP.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()

	resp, err := e.client.Get(e.srv.URL + "/auth/custos/login")
	if err != nil {
		t.Fatalf("GET login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login status = %d, want 302", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	e.idp.nonce = loc.Query().Get("nonce")
	return loc.Query().Get("state")
}

func (e *testEnv) callback(t *testing.T, state string) *http.Response {
	t.Helper()

	resp, err := e.client.Get(e.srv.URL + "/auth/custos/callback?code=test-code&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestLoginRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.client.Get(env.srv.URL + "/auth/custos/login")
	if err != nil {
		t.Fatalf("GET login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), env.idp.srv.URL+"/authorize?") {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}

	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
		if !c.HttpOnly {
			t.Errorf("cookie %s not HttpOnly", c.Name)
		}
	}
	for _, want := range []string{stateCookieName, nonceCookieName} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("cookie %s not set; got %v", want, names)
		}
	}
}

func TestLoginUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.client.Get(env.srv.URL + "/auth/nope/login")
	if err != nil {
		t.Fatalf("GET login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCallbackFullFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	state := env.login(t)
	resp := env.callback(t, state)

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/" {
		t.Errorf("Location = %q, want /", resp.Header.Get("Location"))
	}

	var sessionSet bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			sessionSet = true
		}
	}
	if !sessionSet {
		t.Error("session cookie not set")
	}

	user, err := env.store.GetUserByEmail(ctx, "a@b.com")
	if err != nil || user == nil {
		t.Fatalf("provisioned user missing: %v", err)
	}
	if user.Username != "a" {
		t.Errorf("username = %q, want a", user.Username)
	}

	events, _, err := env.recorder.List(ctx, audit.ListOptions{UserID: user.ID})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	actions := map[string]bool{}
	for _, e := range events {
		actions[e.Action] = true
	}
	if !actions[audit.ActionLogin] || !actions[audit.ActionProvision] {
		t.Errorf("audit actions = %v, want login and provision", actions)
	}

	if got := env.metrics.LoginCount("custos", "success"); got != 1 {
		t.Errorf("success login count = %d, want 1", got)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	env := newTestEnv(t, nil)

	env.login(t)
	resp := env.callback(t, "tampered")

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "/?error=") {
		t.Errorf("Location = %q, want /?error=...", resp.Header.Get("Location"))
	}
	if got := env.metrics.LoginCount("custos", "denied"); got != 1 {
		t.Errorf("denied login count = %d, want 1", got)
	}
}

func TestCallbackCookiesAreSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)

	state := env.login(t)
	resp := env.callback(t, "tampered")

	// Even a failed callback discards the state and nonce cookies.
	for _, c := range resp.Cookies() {
		if (c.Name == stateCookieName || c.Name == nonceCookieName) && c.MaxAge >= 0 {
			t.Errorf("cookie %s not discarded: MaxAge = %d", c.Name, c.MaxAge)
		}
	}

	// Replaying the original state finds no cookie and is denied.
	resp = env.callback(t, state)
	if !strings.HasPrefix(resp.Header.Get("Location"), "/?error=") {
		t.Errorf("replay Location = %q, want /?error=...", resp.Header.Get("Location"))
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	state := env.login(t)
	env.callback(t, state)

	resp, err := env.client.PostForm(env.srv.URL+"/auth/custos/disconnect", url.Values{"redirect": {"/user"}})
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	var body struct {
		Success  bool   `json:"success"`
		Redirect string `json:"redirect"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !body.Success {
		t.Fatalf("disconnect = %d %+v", resp.StatusCode, body)
	}
	if body.Redirect != "/user" {
		t.Errorf("redirect = %q", body.Redirect)
	}

	// No record left: the second disconnect is refused.
	resp, err = env.client.PostForm(env.srv.URL+"/auth/custos/disconnect", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second disconnect status = %d, want 409", resp.StatusCode)
	}
}

func TestDisconnectRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.client.PostForm(env.srv.URL+"/auth/custos/disconnect", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)

	state := env.login(t)
	env.callback(t, state)

	resp, err := env.client.Get(env.srv.URL + "/auth/custos/logout?redirect=" + url.QueryEscape("/bye"))
	if err != nil {
		t.Fatalf("GET logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	want := env.idp.srv.URL + "/logout?redirect_uri=" + url.QueryEscape("/bye")
	if resp.Header.Get("Location") != want {
		t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), want)
	}

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("session cookie not cleared")
	}

	// The session is gone server-side too.
	resp, err = env.client.PostForm(env.srv.URL+"/auth/custos/disconnect", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout disconnect status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.LoginRateLimit = RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2}
	})

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := env.client.Get(env.srv.URL + "/auth/custos/login")
		if err != nil {
			t.Fatalf("GET login: %v", err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusFound || statuses[1] != http.StatusFound {
		t.Errorf("first two statuses = %v, want 302", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third status = %d, want 429", statuses[2])
	}

	// The callback route is not rate limited.
	resp, err := env.client.Get(env.srv.URL + "/auth/custos/callback?code=x&state=y")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		t.Error("callback was rate limited")
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.client.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionExpiryEndsAccess(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SessionDuration = time.Minute
	})

	state := env.login(t)
	env.callback(t, state)

	// A bogus session cookie is not honored.
	u, _ := url.Parse(env.srv.URL)
	env.client.Jar.SetCookies(u, []*http.Cookie{{Name: sessionCookieName, Value: "forged"}})

	resp, err := env.client.PostForm(env.srv.URL+"/auth/custos/disconnect", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
