package custos

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Provider names with built-in resolution behavior.
const (
	ProviderCILogon = "cilogon"
	ProviderCustos  = "custos"
)

// CILogon publishes static endpoints; no discovery fetch is needed.
const (
	cilogonAuthorizationEndpoint = "https://cilogon.org/authorize"
	cilogonTokenEndpoint         = "https://cilogon.org/oauth2/token"
	cilogonUserinfoEndpoint      = "https://cilogon.org/oauth2/userinfo"
	cilogonEndSessionEndpoint    = "https://cilogon.org/logout"
)

// defaultHTTPTimeout bounds every outbound call made by the adapter.
const defaultHTTPTimeout = 10 * time.Second

// Config holds the raw configuration inputs for one provider backend.
type Config struct {
	// Provider is the provider name: "cilogon", "custos", or any name
	// resolved via Realm against URL.
	Provider string `yaml:"provider"`

	// URL is the provider base URL. For the custos broker it is the
	// directory endpoint; for realm-based providers it is the base for the
	// well-known URI template.
	URL string `yaml:"url"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`

	// CredentialURL, when set, is fetched once at construction to obtain a
	// secondary (IAM) client secret used for the token exchange.
	CredentialURL string `yaml:"credential_url,omitempty"`

	// WellKnownOIDCConfigURI short-circuits endpoint resolution: the
	// discovery document at this URI supplies the endpoints.
	WellKnownOIDCConfigURI string `yaml:"well_known_oidc_config_uri,omitempty"`

	// Realm selects the realm for template-based discovery when no other
	// resolution path applies.
	Realm string `yaml:"realm,omitempty"`

	VerifySSL bool   `yaml:"verify_ssl"`
	CABundle  string `yaml:"ca_bundle,omitempty"`

	// IDPHint is the static kc_idp_hint authorize parameter. Defaults to
	// "cilogon".
	IDPHint string `yaml:"idphint,omitempty"`

	// VerifyIDToken enables cryptographic verification of the ID token
	// against the provider's published keys. Off by default: the historical
	// contract decodes claims unverified and trusts transport TLS plus
	// out-of-band client registration.
	VerifyIDToken bool `yaml:"verify_id_token,omitempty"`

	// AllowInsecureRedirect permits a plain-HTTP redirect URI. Only honored
	// when the redirect URI points at localhost.
	AllowInsecureRedirect bool `yaml:"allow_insecure_redirect,omitempty"`

	// HTTPTimeout bounds outbound calls. Defaults to 10s.
	HTTPTimeout time.Duration `yaml:"http_timeout,omitempty"`
}

// ProviderConfig is the fully resolved provider configuration. It is
// immutable after New returns.
type ProviderConfig struct {
	Provider     string
	URL          string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	VerifySSL    bool
	CABundle     string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	EndSessionEndpoint    string

	// IAMClientSecret is the secondary credential from CredentialURL.
	// When present it is preferred over ClientSecret at token exchange.
	IAMClientSecret string

	// ExtraAuthorizeParams are static parameters added to every
	// authorization redirect (e.g. kc_idp_hint).
	ExtraAuthorizeParams map[string]string

	// Issuer and JWKSURI are captured when the discovery document provides
	// them; they enable the optional verified ID-token path.
	Issuer  string
	JWKSURI string
}

// discoveryDocument is the contract-level subset of a well-known OIDC
// configuration document.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// credentialResponse is the contract-level subset of the broker credential
// endpoint response.
type credentialResponse struct {
	IAMClientSecret string `json:"iam_client_secret"`
}

// validate checks the inputs that every resolution path requires.
func (c Config) validate() error {
	if c.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrConfiguration)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrConfiguration)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%w: client_secret is required", ErrConfiguration)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrConfiguration)
	}
	return c.validateRedirectURI()
}

// validateRedirectURI requires HTTPS redirect URIs. Plain HTTP is allowed
// only for localhost and only when explicitly enabled, replacing the
// historical process-wide insecure-transport switch.
func (c Config) validateRedirectURI() error {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return fmt.Errorf("%w: invalid redirect_uri: %v", ErrConfiguration, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("%w: plain-http redirect_uri is only allowed for localhost", ErrConfiguration)
		}
		if !c.AllowInsecureRedirect {
			return fmt.Errorf("%w: plain-http redirect_uri requires allow_insecure_redirect", ErrConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: redirect_uri must be http or https", ErrConfiguration)
	}
}

// newHTTPClient builds the outbound client honoring VerifySSL and CABundle.
func (c Config) newHTTPClient() (*http.Client, error) {
	timeout := c.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	tlsCfg := &tls.Config{}
	if !c.VerifySSL {
		tlsCfg.InsecureSkipVerify = true
	} else if c.CABundle != "" {
		pem, err := os.ReadFile(c.CABundle)
		if err != nil {
			return nil, fmt.Errorf("%w: read ca_bundle: %v", ErrConfiguration, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: ca_bundle contains no certificates", ErrConfiguration)
		}
		tlsCfg.RootCAs = pool
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		},
	}, nil
}

// resolve produces the fully populated ProviderConfig, fetching discovery,
// directory, and credential endpoints as the inputs demand. Any failure is
// fatal to adapter construction.
func resolve(ctx context.Context, cfg Config, client *http.Client) (ProviderConfig, error) {
	provider := strings.ToLower(cfg.Provider)
	pc := ProviderConfig{
		Provider:     provider,
		URL:          cfg.URL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		VerifySSL:    cfg.VerifySSL,
		CABundle:     cfg.CABundle,
	}

	idphint := cfg.IDPHint
	if idphint == "" {
		idphint = ProviderCILogon
	}
	pc.ExtraAuthorizeParams = map[string]string{"kc_idp_hint": idphint}

	if cfg.CredentialURL != "" {
		secret, err := fetchIAMCredential(ctx, client, cfg)
		if err != nil {
			return ProviderConfig{}, err
		}
		pc.IAMClientSecret = secret
	}

	switch {
	case cfg.WellKnownOIDCConfigURI != "":
		doc, err := fetchDiscovery(ctx, client, cfg.WellKnownOIDCConfigURI)
		if err != nil {
			return ProviderConfig{}, err
		}
		pc.applyDiscovery(doc)

	case provider == ProviderCILogon:
		pc.AuthorizationEndpoint = cilogonAuthorizationEndpoint
		pc.TokenEndpoint = cilogonTokenEndpoint
		pc.UserinfoEndpoint = cilogonUserinfoEndpoint
		pc.EndSessionEndpoint = cilogonEndSessionEndpoint

	case provider == ProviderCustos:
		doc, err := fetchDirectory(ctx, client, cfg)
		if err != nil {
			return ProviderConfig{}, err
		}
		pc.applyDiscovery(doc)

	default:
		if cfg.Realm == "" {
			return ProviderConfig{}, fmt.Errorf("%w: provider %q requires a realm or a well_known_oidc_config_uri", ErrConfiguration, cfg.Provider)
		}
		uri, err := wellKnownURIForRealm(cfg.URL, cfg.Realm)
		if err != nil {
			return ProviderConfig{}, err
		}
		doc, err := fetchDiscovery(ctx, client, uri)
		if err != nil {
			return ProviderConfig{}, err
		}
		pc.applyDiscovery(doc)
	}

	if err := pc.checkEndpoints(); err != nil {
		return ProviderConfig{}, err
	}
	return pc, nil
}

func (pc *ProviderConfig) applyDiscovery(doc discoveryDocument) {
	pc.AuthorizationEndpoint = doc.AuthorizationEndpoint
	pc.TokenEndpoint = doc.TokenEndpoint
	pc.UserinfoEndpoint = doc.UserinfoEndpoint
	pc.EndSessionEndpoint = doc.EndSessionEndpoint
	pc.Issuer = doc.Issuer
	pc.JWKSURI = doc.JWKSURI
}

// checkEndpoints enforces the invariant that all four endpoints are known
// before any authorization or callback operation.
func (pc ProviderConfig) checkEndpoints() error {
	missing := []string{}
	if pc.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if pc.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if pc.UserinfoEndpoint == "" {
		missing = append(missing, "userinfo_endpoint")
	}
	if pc.EndSessionEndpoint == "" {
		missing = append(missing, "end_session_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: provider %q resolution left endpoints unset: %s",
			ErrConfiguration, pc.Provider, strings.Join(missing, ", "))
	}
	return nil
}

// wellKnownURIForRealm builds the discovery URI from the base URL and realm,
// trimming a trailing slash so the path never contains "//realms".
func wellKnownURIForRealm(baseURL, realm string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("%w: url is required for realm-based discovery", ErrConfiguration)
	}
	return fmt.Sprintf("%s/realms/%s/.well-known/openid-configuration",
		strings.TrimSuffix(baseURL, "/"), realm), nil
}

// basicAuthHeader returns the Authorization header value for
// client_id:client_secret, base64 of the UTF-8 concatenation.
func basicAuthHeader(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}

// fetchDiscovery loads a well-known OIDC configuration document.
func fetchDiscovery(ctx context.Context, client *http.Client, uri string) (discoveryDocument, error) {
	var doc discoveryDocument
	if err := getJSON(ctx, client, uri, "", nil, &doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("%w: load well-known OIDC config %s: %v", ErrConfiguration, uri, err)
	}
	return doc, nil
}

// fetchDirectory queries the custos broker directory endpoint for the
// provider endpoint set. The call authenticates with the derived Basic
// credential.
func fetchDirectory(ctx context.Context, client *http.Client, cfg Config) (discoveryDocument, error) {
	if cfg.URL == "" {
		return discoveryDocument{}, fmt.Errorf("%w: url is required for the custos directory lookup", ErrConfiguration)
	}
	var doc discoveryDocument
	auth := basicAuthHeader(cfg.ClientID, cfg.ClientSecret)
	params := url.Values{"client_id": {cfg.ClientID}}
	if err := getJSON(ctx, client, cfg.URL, auth, params, &doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("%w: custos directory lookup: %v", ErrConfiguration, err)
	}
	return doc, nil
}

// fetchIAMCredential obtains the secondary client secret from the
// credential endpoint.
func fetchIAMCredential(ctx context.Context, client *http.Client, cfg Config) (string, error) {
	var creds credentialResponse
	auth := basicAuthHeader(cfg.ClientID, cfg.ClientSecret)
	params := url.Values{"client_id": {cfg.ClientID}}
	if err := getJSON(ctx, client, cfg.CredentialURL, auth, params, &creds); err != nil {
		return "", fmt.Errorf("%w: fetch broker credentials: %v", ErrConfiguration, err)
	}
	if creds.IAMClientSecret == "" {
		return "", fmt.Errorf("%w: credential endpoint returned no iam_client_secret", ErrConfiguration)
	}
	return creds.IAMClientSecret, nil
}

// getJSON performs a GET and decodes a JSON response body into out.
func getJSON(ctx context.Context, client *http.Client, rawURL, authorization string, params url.Values, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if params != nil {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
