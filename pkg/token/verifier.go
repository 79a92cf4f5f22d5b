package token

import (
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var ErrTokenInvalid = errors.New("token invalid")

// Verifier checks issued access tokens: signature, issuer and expiry.
type Verifier struct {
	issuerURL string
	key       jwk.Key
	alg       jwa.SignatureAlgorithm
}

// Verify parses a serialized access token and returns its claims.
// Expired or tampered tokens fail with an error wrapping ErrTokenInvalid.
func (v *Verifier) Verify(serialized string) (*Claims, error) {
	tok, err := jwt.ParseString(
		serialized,
		jwt.WithKey(v.alg, v.key),
		jwt.WithIssuer(v.issuerURL),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims := &Claims{
		UserID:   tok.Subject(),
		Email:    privateStringClaim(tok, claimEmail),
		Role:     privateStringClaim(tok, claimRole),
		Provider: privateStringClaim(tok, claimProvider),
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return claims, nil
}

func privateStringClaim(tok jwt.Token, name string) string {
	if value, ok := tok.Get(name); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}
