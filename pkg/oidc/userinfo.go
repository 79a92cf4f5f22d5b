package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loginrelay/loginrelay/pkg/oauth2"
)

// UserProfile is the provider-independent view of an authenticated user.
// The pair (Provider, Subject) identifies the same person across logins.
type UserProfile struct {
	Provider      string `json:"provider"`
	Subject       string `json:"subject"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	DisplayName   string `json:"display_name"`
	AvatarURL     string `json:"avatar_url"`
}

// claimMapping names the userinfo fields of a particular provider.
// Providers without an entry use the standard OIDC claim names.
type claimMapping struct {
	Subject       string
	Email         string
	EmailVerified string
	DisplayName   string
	AvatarURL     string
}

var defaultClaimMapping = claimMapping{
	Subject:       "sub",
	Email:         "email",
	EmailVerified: "email_verified",
	DisplayName:   "name",
	AvatarURL:     "picture",
}

var claimMappings = map[string]claimMapping{
	"github": {
		Subject:       "id",
		Email:         "email",
		EmailVerified: "email_verified",
		DisplayName:   "name",
		AvatarURL:     "avatar_url",
	},
}

func mappingForProvider(name string) claimMapping {
	if m, ok := claimMappings[name]; ok {
		return m
	}
	return defaultClaimMapping
}

// Userinfo fetches the profile of the authenticated user with the access
// token as bearer credential. A 401 or 403 means the token was rejected
// and is returned as *oauth2.Error without retry; transport failures are
// retried like the token exchange.
func (c *client) Userinfo(ctx context.Context, accessToken string) (*UserProfile, error) {
	var profile *UserProfile
	err := c.withRetry(ctx, "userinfo", func() error {
		var err error
		profile, err = c.fetchUserinfo(ctx, accessToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (c *client) fetchUserinfo(ctx context.Context, accessToken string) (*UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryDocument.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read userinfo response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &oauth2.Error{
			Code:        "invalid_token",
			Description: fmt.Sprintf("userinfo endpoint rejected access token with status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from userinfo endpoint", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("unable to decode userinfo response: %w", err)
	}

	return c.normalizeProfile(claims)
}

func (c *client) normalizeProfile(claims map[string]any) (*UserProfile, error) {
	m := mappingForProvider(c.cfg.Name)

	subject := stringClaim(claims, m.Subject)
	if subject == "" {
		return nil, fmt.Errorf("userinfo response of %s is missing the subject claim %q", c.cfg.Name, m.Subject)
	}

	return &UserProfile{
		Provider:      c.cfg.Name,
		Subject:       subject,
		Email:         stringClaim(claims, m.Email),
		EmailVerified: boolClaim(claims, m.EmailVerified),
		DisplayName:   stringClaim(claims, m.DisplayName),
		AvatarURL:     stringClaim(claims, m.AvatarURL),
	}, nil
}

func stringClaim(claims map[string]any, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case float64:
		// numeric ids, e.g. github
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func boolClaim(claims map[string]any, name string) bool {
	switch v := claims[name].(type) {
	case bool:
		return v
	case string:
		// some providers serialize booleans as strings
		return v == "true"
	default:
		return false
	}
}
