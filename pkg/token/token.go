// Package token issues and verifies the signed session credentials of the
// relying party. An issued access token is a JWT carrying the local user
// claims; the refresh token is an opaque, single-use server-side record.
package token

// Claims are the facts embedded in every issued access token.
// Immutable once issued.
type Claims struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Provider string `json:"provider"`
}

// Credential is the answer to a successful login or refresh.
// GrantType is always the literal "Bearer".
type Credential struct {
	GrantType             string `json:"grantType"`
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	AccessTokenExpiration int64  `json:"accessTokenExpiration"`
}

const GrantTypeBearer = "Bearer"

const (
	claimEmail    = "email"
	claimRole     = "role"
	claimProvider = "provider"
)
