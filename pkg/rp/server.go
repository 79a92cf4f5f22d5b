// Package rp is the relying-party core: it owns the login attempts, the
// flow orchestrator and the HTTP surface of the authorization-code dance.
package rp

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loginrelay/loginrelay/pkg/nonce"
	"github.com/loginrelay/loginrelay/pkg/oauth2"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/token"
)

const (
	AccessTokenCookie  = "rp_access_token"
	RefreshTokenCookie = "rp_refresh_token"

	claimsContextKey = "rp_claims"
)

type Server struct {
	identityProviders []oidc.Client
	providers         map[string]oidc.Client
	orchestrator      *Orchestrator
	issuer            *token.Issuer
	verifier          *token.Verifier
	attempts          AttemptStore
	nonces            nonce.Service
	attemptTTL        time.Duration
	flowTimeout       time.Duration
	cookieSecure      bool
}

func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		providers:   map[string]oidc.Client{},
		attemptTTL:  5 * time.Minute,
		flowTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.issuer == nil {
		return nil, errors.New("a token issuer is required")
	}
	if len(s.identityProviders) == 0 {
		return nil, errors.New("at least one openid provider is required")
	}
	if s.attempts == nil {
		s.attempts = NewMemoryAttemptStore()
	}
	if s.nonces == nil {
		return nil, errors.New("a nonce service is required")
	}

	var err error
	s.verifier, err = s.issuer.Verifier()
	if err != nil {
		return nil, err
	}

	s.orchestrator = &Orchestrator{
		providers:   s.providers,
		attempts:    s.attempts,
		nonces:      s.nonces,
		issuer:      s.issuer,
		attemptTTL:  s.attemptTTL,
		flowTimeout: s.flowTimeout,
	}

	return s, nil
}

func (s *Server) Orchestrator() *Orchestrator {
	return s.orchestrator
}

func (s *Server) OpenidProviders() []oidc.Client {
	return s.identityProviders
}

func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorLogMiddleware,
	)
	group.GET("/oauth2/authorization/:provider", s.BeginLoginEndpoint)
	group.GET("/login/oauth2/code/:provider", s.CallbackEndpoint)
	group.GET("/logout", s.LogoutEndpoint)
	group.GET("/jwks", s.JWKS)
	group.POST("/token", s.TokenEndpoint)
	group.GET("/healthz", s.Healthz)
}

// BeginLoginEndpoint creates a login attempt and redirects to the
// provider's authorization endpoint.
func (s *Server) BeginLoginEndpoint(c echo.Context) error {
	providerName := c.Param("provider")
	returnURL := sanitizeReturnURL(c.QueryParam("return_url"))

	_, authURL, err := s.orchestrator.Begin(providerName, returnURL)
	if err != nil {
		slog.Warn("Unable to begin login", "provider", providerName, "error", err)
		return redirectToLoginError(c, "unknown_provider")
	}

	return c.Redirect(http.StatusFound, authURL)
}

// CallbackEndpoint drives the flow from the provider callback onward. On
// success the credential is set as cookies and the user returns to the
// page that triggered the login; failures redirect to the login page with
// an opaque error code, detail stays in the logs.
func (s *Server) CallbackEndpoint(c echo.Context) error {
	providerName := c.Param("provider")

	if errorCode := c.QueryParam("error"); errorCode != "" {
		slog.Warn("Provider callback error", "provider", providerName, "error", errorCode, "description", c.QueryParam("error_description"))
		return redirectToLoginError(c, string(FailureAuthDenied))
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return redirectToLoginError(c, string(FailureInvalidState))
	}

	credential, returnURL, flowErr := s.orchestrator.Callback(c.Request().Context(), providerName, code, state)
	if flowErr != nil {
		return redirectToLoginError(c, string(flowErr.Reason))
	}

	s.setCredentialCookies(c, credential)

	if returnURL == "" {
		returnURL = "/"
	}
	return c.Redirect(http.StatusFound, returnURL)
}

func (s *Server) LogoutEndpoint(c echo.Context) error {
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		if claims, err := s.verifier.Verify(cookie.Value); err == nil {
			if err := s.issuer.Revoke(c.Request().Context(), claims.UserID); err != nil {
				slog.Warn("Unable to revoke refresh tokens", "user_id", claims.UserID, "error", err)
			}
		}
	}

	s.clearCredentialCookies(c)
	return c.Redirect(http.StatusFound, "/")
}

// TokenEndpoint implements the refresh grant: a valid refresh token is
// rotated and exchanged for a fresh credential.
func (s *Server) TokenEndpoint(c echo.Context) error {
	var grantType string
	var refreshToken string
	binderr := echo.FormFieldBinder(c).
		MustString("grant_type", &grantType).
		MustString("refresh_token", &refreshToken).
		BindError()
	if binderr != nil {
		return echo.NewHTTPError(http.StatusBadRequest, oauth2.Error{
			Code:        "invalid_request",
			Description: binderr.Error(),
		})
	}

	if grantType != "refresh_token" {
		return echo.NewHTTPError(http.StatusBadRequest, oauth2.Error{
			Code:        "unsupported_grant_type",
			Description: "only refresh_token is supported",
		})
	}

	credential, err := s.issuer.Refresh(c.Request().Context(), refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrRefreshTokenInvalid) {
			return echo.NewHTTPError(http.StatusBadRequest, oauth2.Error{
				Code:        "invalid_grant",
				Description: "refresh token is invalid, expired or already used",
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, oauth2.Error{
			Code:        "server_error",
			Description: "unable to refresh credential",
		})
	}

	s.setCredentialCookies(c, credential)
	return c.JSON(http.StatusOK, credential)
}

func (s *Server) JWKS(c echo.Context) error {
	jwks, err := s.issuer.PublicJWKS()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, jwks)
}

func (s *Server) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RequireAuth guards a route group: requests without a valid, unexpired,
// signature-verified credential are redirected to the login page.
func (s *Server) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			serialized := bearerToken(c)
			if serialized == "" {
				return c.Redirect(http.StatusFound, "/login")
			}

			claims, err := s.verifier.Verify(serialized)
			if err != nil {
				slog.Debug("Rejected credential", "error", err, "path", c.Path())
				s.clearCredentialCookies(c)
				return c.Redirect(http.StatusFound, "/login")
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// ClaimsFromContext returns the verified claims set by RequireAuth.
func ClaimsFromContext(c echo.Context) *token.Claims {
	claims, _ := c.Get(claimsContextKey).(*token.Claims)
	return claims
}

func bearerToken(c echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) setCredentialCookies(c echo.Context, credential *token.Credential) {
	c.SetCookie(&http.Cookie{
		Name:     AccessTokenCookie,
		Value:    credential.AccessToken,
		Path:     "/",
		Expires:  time.Unix(credential.AccessTokenExpiration, 0),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	c.SetCookie(&http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    credential.RefreshToken,
		Path:     "/token",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearCredentialCookies(c echo.Context) {
	c.SetCookie(&http.Cookie{Name: AccessTokenCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	c.SetCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "", Path: "/token", MaxAge: -1, HttpOnly: true})
}

func redirectToLoginError(c echo.Context, code string) error {
	params := url.Values{}
	params.Set("error", code)
	return c.Redirect(http.StatusFound, "/login?"+params.Encode())
}

// sanitizeReturnURL keeps redirects local: only absolute paths on this
// host are allowed, everything else falls back to the root page.
func sanitizeReturnURL(returnURL string) string {
	if returnURL == "" {
		return ""
	}
	if !strings.HasPrefix(returnURL, "/") || strings.HasPrefix(returnURL, "//") {
		return ""
	}
	return returnURL
}
