// Package oidc implements the relying-party side of an OpenID Connect
// provider: authorization request construction, code-for-token exchange,
// ID token verification and userinfo retrieval.
package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/loginrelay/loginrelay/pkg/oauth2"
	"github.com/loginrelay/loginrelay/pkg/util"
)

type Config struct {
	Name         string   `yaml:"name" validate:"required"`
	Issuer       string   `yaml:"issuer" validate:"required,url"`
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	RedirectURI  string   `yaml:"redirect_uri" validate:"required,url"`
	Scopes       []string `yaml:"scopes" validate:"required,min=1"`
	LogoURI      string   `yaml:"logo_uri"`
	// MaxRetries bounds the number of additional attempts after a
	// transport failure on the token or userinfo endpoint.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay util.Duration `yaml:"retry_delay"`
}

type Client interface {
	AuthCodeURL(state, nonce, verifier string, opts ...oauth2.ParameterOption) (string, error)
	Exchange(ctx context.Context, code, verifier string, opts ...oauth2.ParameterOption) (*oauth2.TokenResponse, error)
	Userinfo(ctx context.Context, accessToken string) (*UserProfile, error)
	ParseIDToken(response *oauth2.TokenResponse) (jwt.Token, error)
	Issuer() string
	ClientID() string
	Name() string
	LogoURI() string
}

type client struct {
	cfg               Config
	discoveryDocument *DiscoveryDocument
	keyCache          *jwk.Cache
	httpClient        *http.Client
}

func NewClient(cfg Config) (Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = util.Duration(500 * time.Millisecond)
	}

	c := &client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}

	var err error
	discoveryDocumentUrl := strings.TrimSuffix(cfg.Issuer, "/") + "/.well-known/openid-configuration"
	c.discoveryDocument, err = FetchDiscoveryDocument(discoveryDocumentUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document from %s: %w", discoveryDocumentUrl, err)
	}

	// prepare the auto-refreshing signing key cache
	c.keyCache = jwk.NewCache(context.Background())
	c.keyCache.Register(c.discoveryDocument.JwksURI, jwk.WithMinRefreshInterval(15*time.Minute))
	_, err = c.keyCache.Refresh(context.Background(), c.discoveryDocument.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing keys: %w", err)
	}

	return c, nil
}

func (c *client) Name() string {
	return c.cfg.Name
}

func (c *client) ClientID() string {
	return c.cfg.ClientID
}

func (c *client) LogoURI() string {
	return c.cfg.LogoURI
}

func (c *client) Issuer() string {
	return c.discoveryDocument.Issuer
}

func (c *client) RedirectURI() string {
	return c.cfg.RedirectURI
}

func (c *client) AuthCodeURL(state, nonce, verifier string, opts ...oauth2.ParameterOption) (string, error) {
	codeChallenge := oauth2.S256ChallengeFromVerifier(verifier)
	query := url.Values{}
	query.Add("client_id", c.cfg.ClientID)
	query.Add("redirect_uri", c.cfg.RedirectURI)
	query.Add("response_type", "code")
	query.Add("scope", strings.Join(c.cfg.Scopes, " "))
	query.Add("state", state)
	query.Add("nonce", nonce)
	query.Add("code_challenge", codeChallenge)
	query.Add("code_challenge_method", string(oauth2.CodeChallengeMethodS256))

	for _, opt := range opts {
		opt(query)
	}

	return fmt.Sprintf("%s?%s", c.discoveryDocument.AuthorizationEndpoint, query.Encode()), nil
}

// Exchange swaps the authorization code for tokens on the back channel.
// A non-2xx answer with an OAuth2 error document is terminal and returned
// as *oauth2.Error. Transport failures are retried up to MaxRetries times.
func (c *client) Exchange(ctx context.Context, code string, codeVerifier string, opts ...oauth2.ParameterOption) (*oauth2.TokenResponse, error) {
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret)
	params.Set("code", code)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	params.Set("grant_type", "authorization_code")
	params.Set("code_verifier", codeVerifier)

	for _, opt := range opts {
		opt(params)
	}

	var tokenResponse *oauth2.TokenResponse
	err := c.withRetry(ctx, "token", func() error {
		var err error
		tokenResponse, err = c.postTokenRequest(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return tokenResponse, nil
}

func (c *client) postTokenRequest(ctx context.Context, params url.Values) (*oauth2.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discoveryDocument.TokenEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oidcErr oauth2.Error
		if err := json.Unmarshal(body, &oidcErr); err != nil || oidcErr.Code == "" {
			return nil, fmt.Errorf("unexpected status %d from token endpoint", resp.StatusCode)
		}
		return nil, &oidcErr
	}

	var tokenResponse oauth2.TokenResponse
	err = json.Unmarshal(body, &tokenResponse)
	if err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}

	return &tokenResponse, nil
}

// withRetry runs fn and retries transport failures with a flat delay.
// Provider rejections (*oauth2.Error) and context cancellation end the
// attempt immediately.
func (c *client) withRetry(ctx context.Context, endpoint string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying provider call", "provider", c.cfg.Name, "endpoint", endpoint, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay.Std()):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}

		var oidcErr *oauth2.Error
		if errors.As(err, &oidcErr) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Parses and verifies an ID token against the keys from the discovery document.
func (c *client) ParseIDToken(response *oauth2.TokenResponse) (jwt.Token, error) {
	keySet, err := c.keyCache.Get(context.Background(), c.discoveryDocument.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("unable to get key set: %w", err)
	}

	token, err := jwt.ParseString(
		response.IDToken,
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(c.discoveryDocument.Issuer),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithRequiredClaim("nonce"),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to parse id token: %w", err)
	}
	return token, nil
}
