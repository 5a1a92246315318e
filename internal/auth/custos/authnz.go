// Package custos implements the server-side OpenID Connect
// authorization-code flow against CILogon/Custos-style identity brokers,
// binding external identities to local user accounts.
package custos

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"idbridge/internal/auth"
	"idbridge/internal/observability"
)

// Scopes requested on every authorization redirect.
var authorizeScopes = []string{"openid", "email", "profile", "org.cilogon.userinfo"}

// Options carries caller-supplied collaborators and policy for an adapter.
type Options struct {
	// Logger defaults to a JSON logger on stdout.
	Logger observability.Logger

	// HTTPClient overrides the TLS-configured client built from the
	// configuration. Intended for tests.
	HTTPClient *http.Client

	// SoleAuthenticator must be set by the caller when this provider is the
	// only authentication mechanism configured system-wide: exactly one
	// external provider and no local password authenticators. It gates
	// automatic binding of a matching email to an existing account.
	SoleAuthenticator bool

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Authnz is the identity-provider adapter. It is safe for concurrent use:
// all fields are set at construction and never mutated.
type Authnz struct {
	cfg      ProviderConfig
	client   *http.Client
	store    auth.Store
	logger   observability.Logger
	verifier *gooidc.IDTokenVerifier
	sole     bool
	now      func() time.Time
}

// New constructs an adapter for one provider backend, resolving endpoints
// and the optional secondary credential. Any resolution failure returns
// ErrConfiguration and no adapter.
func New(ctx context.Context, cfg Config, store auth.Store, opts Options) (*Authnz, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		var err error
		client, err = cfg.newHTTPClient()
		if err != nil {
			return nil, err
		}
	}

	pc, err := resolve(ctx, cfg, client)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}

	a := &Authnz{
		cfg:    pc,
		client: client,
		store:  store,
		logger: logger.WithComponent("custos").With("provider", pc.Provider),
		sole:   opts.SoleAuthenticator,
		now:    opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	if cfg.VerifyIDToken {
		if pc.Issuer == "" || pc.JWKSURI == "" {
			return nil, fmt.Errorf("%w: verify_id_token requires issuer and jwks_uri from discovery", ErrConfiguration)
		}
		keySet := gooidc.NewRemoteKeySet(gooidc.ClientContext(ctx, client), pc.JWKSURI)
		a.verifier = gooidc.NewVerifier(pc.Issuer, keySet, &gooidc.Config{ClientID: pc.ClientID})
	}

	return a, nil
}

// Provider returns the resolved provider name.
func (a *Authnz) Provider() string { return a.cfg.Provider }

// ProviderConfig returns a copy of the resolved configuration.
func (a *Authnz) ProviderConfig() ProviderConfig {
	pc := a.cfg
	pc.ExtraAuthorizeParams = make(map[string]string, len(a.cfg.ExtraAuthorizeParams))
	for k, v := range a.cfg.ExtraAuthorizeParams {
		pc.ExtraAuthorizeParams[k] = v
	}
	return pc
}

// LoginAttempt is the output of Authenticate. State and Nonce are opaque
// single-use values the caller must persist (typically as short-lived
// cookies) across the redirect round trip and present back at callback.
type LoginAttempt struct {
	URL   string
	State string
	Nonce string
}

// Authenticate builds the authorization redirect for a new login attempt.
// The nonce travels to the provider as a SHA-256 hex digest; the raw value
// never leaves the caller's cookie storage. No network call occurs.
func (a *Authnz) Authenticate(idphint string) (LoginAttempt, error) {
	state, err := randomToken()
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("generate nonce: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", hashNonce(nonce)),
	}
	for k, v := range a.cfg.ExtraAuthorizeParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if idphint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("idphint", idphint))
	}

	return LoginAttempt{
		URL:   a.oauth2Config(a.cfg.ClientSecret).AuthCodeURL(state, opts...),
		State: state,
		Nonce: nonce,
	}, nil
}

// CallbackRequest carries the provider's callback parameters together with
// the anti-forgery values the caller persisted at Authenticate time.
type CallbackRequest struct {
	// State is the state query parameter returned by the provider.
	State string
	// Code is the authorization code returned by the provider.
	Code string

	// StateCookie and NonceCookie are the persisted values from the
	// matching LoginAttempt. Both are single-use: the caller must discard
	// them after this call regardless of outcome.
	StateCookie string
	NonceCookie string

	// RequestURL is the full callback request URL, kept for diagnostics.
	RequestURL string

	// LoginRedirectURL is where the user lands after a successful login.
	LoginRedirectURL string

	// SessionUser is the already-authenticated local user, if any. When set,
	// a first-time external identity binds to this user (linking).
	SessionUser *auth.User
}

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	RedirectURL string
	User        *auth.User
	// Created reports whether a new local account was provisioned.
	Created bool
}

// Callback validates the provider's response, exchanges the code for
// tokens, reconciles the external identity with a local account, and
// persists the provider token record. On any error no partial state is
// written.
func (a *Authnz) Callback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	if req.StateCookie == "" || req.State != req.StateCookie {
		return nil, fmt.Errorf("%w: state mismatch", ErrAuthenticationFailed)
	}

	token, err := a.exchange(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	claims, err := a.decodeIDToken(ctx, token.idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	// The nonce claim is a hash of the raw value the caller persisted.
	// A replayed ID token without the live nonce fails here.
	if req.NonceCookie == "" || claims.Nonce != hashNonce(req.NonceCookie) {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrAuthenticationFailed)
	}

	userinfo := claims
	if userinfo.Email == "" {
		userinfo, err = a.fetchUserinfo(ctx, token.accessToken)
		if err != nil {
			return nil, err
		}
	}
	if userinfo.Email == "" {
		return nil, fmt.Errorf("%w: provider returned no email claim", ErrAuthenticationFailed)
	}
	if userinfo.Subject == "" {
		userinfo.Subject = claims.Subject
	}
	if userinfo.Subject == "" {
		return nil, fmt.Errorf("%w: provider returned no sub claim", ErrAuthenticationFailed)
	}

	existing, err := a.store.GetTokenBySubject(ctx, userinfo.Subject, a.cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("look up provider token: %w", err)
	}

	now := a.now().UTC()
	if existing != nil {
		existing.AccessToken = token.accessToken
		existing.IDToken = token.idToken
		existing.RefreshToken = token.refreshToken
		existing.ExpirationTime = token.expirationTime
		existing.RefreshExpirationTime = token.refreshExpirationTime
		existing.UpdatedAt = now
		if err := a.store.UpdateToken(ctx, existing); err != nil {
			return nil, fmt.Errorf("update provider token: %w", err)
		}

		user, err := a.store.GetUserByID(ctx, existing.UserID)
		if err != nil {
			return nil, fmt.Errorf("look up user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("%w: token record %s references missing user %s", ErrDataIntegrity, existing.ID, existing.UserID)
		}
		if err := a.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
			a.logger.WarnContext(ctx, "last login update failed", "user_id", user.ID, "error", err)
		}

		a.logger.InfoContext(ctx, "external login refreshed", "external_user_id", userinfo.Subject, "user_id", user.ID)
		return &CallbackResult{RedirectURL: req.LoginRedirectURL, User: user}, nil
	}

	user, created, err := a.resolveUser(ctx, req.SessionUser, userinfo, now)
	if err != nil {
		return nil, err
	}

	record := &auth.ProviderToken{
		ID:                    uuid.New().String(),
		UserID:                user.ID,
		ExternalUserID:        userinfo.Subject,
		Provider:              a.cfg.Provider,
		AccessToken:           token.accessToken,
		IDToken:               token.idToken,
		RefreshToken:          token.refreshToken,
		ExpirationTime:        token.expirationTime,
		RefreshExpirationTime: token.refreshExpirationTime,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if created {
		// New user and token record persist in one transaction: a token
		// write failure must not leave an orphaned account.
		if err := a.store.CreateUserWithToken(ctx, user, record); err != nil {
			return nil, fmt.Errorf("persist user and provider token: %w", err)
		}
	} else {
		if err := a.store.CreateToken(ctx, record); err != nil {
			return nil, fmt.Errorf("persist provider token: %w", err)
		}
	}
	if err := a.store.UpdateLastLogin(ctx, user.ID, now); err != nil {
		a.logger.WarnContext(ctx, "last login update failed", "user_id", user.ID, "error", err)
	}

	a.logger.InfoContext(ctx, "external login bound",
		"external_user_id", userinfo.Subject, "user_id", user.ID, "created", created)
	return &CallbackResult{RedirectURL: req.LoginRedirectURL, User: user, Created: created}, nil
}

// Disconnect unlinks this provider from the user by deleting their token
// record. Exactly one record must exist; zero or multiple is refused
// without mutation.
func (a *Authnz) Disconnect(ctx context.Context, user *auth.User, redirectURL string) (string, error) {
	tokens, err := a.store.ListUserTokens(ctx, user.ID, a.cfg.Provider)
	if err != nil {
		return "", fmt.Errorf("list provider tokens: %w", err)
	}
	switch len(tokens) {
	case 0:
		return "", fmt.Errorf("%w: user is not associated with provider %s", ErrDataIntegrity, a.cfg.Provider)
	case 1:
	default:
		return "", fmt.Errorf("%w: user is associated more than once with provider %s", ErrDataIntegrity, a.cfg.Provider)
	}

	if err := a.store.DeleteToken(ctx, tokens[0].ID); err != nil {
		return "", fmt.Errorf("delete provider token: %w", err)
	}
	a.logger.InfoContext(ctx, "provider disconnected", "user_id", user.ID)
	return redirectURL, nil
}

// Logout builds the provider end-session redirect. It never fails: on any
// internal problem it logs and returns an empty string.
func (a *Authnz) Logout(postLogoutRedirectURL string) string {
	endpoint := a.cfg.EndSessionEndpoint
	if endpoint == "" {
		a.logger.Error("no end_session_endpoint configured; cannot build logout redirect")
		return ""
	}
	if postLogoutRedirectURL != "" {
		endpoint += "?redirect_uri=" + url.QueryEscape(postLogoutRedirectURL)
	}
	return endpoint
}

// oauth2Config builds the exchange configuration. Client credentials go in
// the Authorization header (HTTP Basic), the scheme both CILogon and Custos
// expect.
func (a *Authnz) oauth2Config(clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  a.cfg.RedirectURI,
		Scopes:       authorizeScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.cfg.AuthorizationEndpoint,
			TokenURL:  a.cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// exchangedToken is the material returned by the token endpoint.
type exchangedToken struct {
	accessToken           string
	idToken               string
	refreshToken          string
	expirationTime        time.Time
	refreshExpirationTime *time.Time
}

// effectiveClientSecret prefers the secondary IAM credential when the
// broker issued one.
func (a *Authnz) effectiveClientSecret() string {
	if a.cfg.IAMClientSecret != "" {
		return a.cfg.IAMClientSecret
	}
	return a.cfg.ClientSecret
}

// exchange trades the authorization code for tokens at the token endpoint.
func (a *Authnz) exchange(ctx context.Context, code string) (exchangedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	tok, err := a.oauth2Config(a.effectiveClientSecret()).Exchange(ctx, code)
	if err != nil {
		return exchangedToken{}, fmt.Errorf("%w: token exchange: %v", ErrAuthenticationFailed, err)
	}
	if tok.AccessToken == "" {
		return exchangedToken{}, fmt.Errorf("%w: token response missing access_token", ErrAuthenticationFailed)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return exchangedToken{}, fmt.Errorf("%w: token response missing id_token", ErrAuthenticationFailed)
	}

	now := a.now()
	out := exchangedToken{
		accessToken:  tok.AccessToken,
		idToken:      rawIDToken,
		refreshToken: tok.RefreshToken,
	}

	// expires_in defaults to one hour when the provider omits it.
	out.expirationTime = tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		out.expirationTime = now.Add(time.Hour).UTC()
	}
	if secs, ok := extraSeconds(tok, "refresh_expires_in"); ok {
		exp := now.Add(time.Duration(secs) * time.Second).UTC()
		out.refreshExpirationTime = &exp
	}
	return out, nil
}

// extraSeconds reads a numeric duration field from the raw token response.
func extraSeconds(tok *oauth2.Token, field string) (int64, bool) {
	switch v := tok.Extra(field).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// decodeIDToken extracts claims, verified when the adapter was built with
// VerifyIDToken, unverified otherwise.
func (a *Authnz) decodeIDToken(ctx context.Context, raw string) (Userinfo, error) {
	if a.verifier == nil {
		return decodeIDTokenUnverified(raw)
	}
	idToken, err := a.verifier.Verify(gooidc.ClientContext(ctx, a.client), raw)
	if err != nil {
		return Userinfo{}, fmt.Errorf("verify id_token: %w", err)
	}
	var claims Userinfo
	if err := idToken.Claims(&claims); err != nil {
		return Userinfo{}, fmt.Errorf("decode id_token claims: %w", err)
	}
	return claims, nil
}

// fetchUserinfo queries the userinfo endpoint with the access token.
func (a *Authnz) fetchUserinfo(ctx context.Context, accessToken string) (Userinfo, error) {
	var info Userinfo
	if err := getJSON(ctx, a.client, a.cfg.UserinfoEndpoint, "Bearer "+accessToken, nil, &info); err != nil {
		return Userinfo{}, fmt.Errorf("%w: fetch userinfo: %v", ErrNetwork, err)
	}
	return info, nil
}

// resolveUser maps a first-time external identity to a local account.
func (a *Authnz) resolveUser(ctx context.Context, sessionUser *auth.User, userinfo Userinfo, now time.Time) (*auth.User, bool, error) {
	// An authenticated session means the user is linking this provider to
	// their existing account.
	if sessionUser != nil {
		return sessionUser, false, nil
	}

	existing, err := a.store.GetUserByEmail(ctx, userinfo.Email)
	if err != nil {
		return nil, false, fmt.Errorf("look up user by email: %w", err)
	}
	if existing != nil {
		// Auto-binding an unproven external identity to an existing account
		// is only safe when this provider is the sole way to authenticate.
		if a.sole {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: an account with this email already exists; log in to that account first to associate this external login", ErrAuthenticationFailed)
	}

	username := userinfo.PreferredUsername
	if username == "" {
		username, err = a.generateUsername(ctx, userinfo.Email)
		if err != nil {
			return nil, false, err
		}
	}

	hash, err := auth.RandomPasswordHash()
	if err != nil {
		return nil, false, fmt.Errorf("generate placeholder password: %w", err)
	}

	return &auth.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        userinfo.Email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true, nil
}

// generateUsername derives a username from the local part of the email,
// probing name0, name1, ... until an unused candidate is found.
func (a *Authnz) generateUsername(ctx context.Context, email string) (string, error) {
	base := email
	if i := strings.Index(email, "@"); i >= 0 {
		base = email[:i]
	}

	taken, err := a.usernameTaken(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken {
		return base, nil
	}
	for count := 0; ; count++ {
		candidate := base + strconv.Itoa(count)
		taken, err := a.usernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

func (a *Authnz) usernameTaken(ctx context.Context, username string) (bool, error) {
	u, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return false, fmt.Errorf("look up user by username: %w", err)
	}
	return u != nil, nil
}

// hashNonce returns the stable one-way digest of a raw nonce, the form in
// which the nonce travels inside the ID token.
func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// randomToken returns 32 bytes of cryptographic randomness, URL-safe.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
