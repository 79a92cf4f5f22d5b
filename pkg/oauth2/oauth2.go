// Package oauth2 contains the wire-level primitives shared by every
// OAuth2 component: token responses, protocol errors and the PKCE helpers.
package oauth2

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
)

// ParameterOption modifies the query or form parameters of an outgoing
// authorization or token request.
type ParameterOption func(params url.Values)

func WithAlternateRedirectURI(redirectUri string) ParameterOption {
	return func(params url.Values) {
		if redirectUri != "" {
			params.Set("redirect_uri", redirectUri)
		}
	}
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

type CodeChallengeMethod string

const (
	CodeChallengeMethodS256 CodeChallengeMethod = "S256"
)

// Error is the error document returned by providers on the token and
// userinfo endpoints, also used for our own error redirects.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// unreserved characters allowed in a code verifier per RFC 7636
const verifierLetters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

func GenerateCodeVerifier() string {
	n := 128
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(verifierLetters))))
		if err != nil {
			panic("random number generation failed")
		}
		ret[i] = verifierLetters[num.Int64()]
	}

	return string(ret)
}

// GenerateState returns an unpredictable state value with 192 bits of
// entropy, base64url-encoded.
func GenerateState() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("random number generation failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func S256ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
