package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/loginrelay/loginrelay/pkg/identity"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/util"
	"github.com/segmentio/ksuid"
)

// ErrPolicyRejected signals a deployment-policy rejection, e.g. an
// unverified email under a policy that requires verification.
var ErrPolicyRejected = errors.New("rejected by policy")

type IssuerOption func(*Issuer)

func WithAccessTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.accessTTL = ttl }
}

func WithRefreshTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) { i.refreshTTL = ttl }
}

func WithRequireVerifiedEmail(require bool) IssuerOption {
	return func(i *Issuer) { i.requireVerifiedEmail = require }
}

func WithRefreshStore(store RefreshStore) IssuerOption {
	return func(i *Issuer) { i.refreshStore = store }
}

// Issuer resolves provider profiles to local users and signs session
// credentials with the process signing key.
type Issuer struct {
	issuerURL            string
	signKey              jwk.Key
	alg                  jwa.SignatureAlgorithm
	users                identity.Store
	refreshStore         RefreshStore
	accessTTL            time.Duration
	refreshTTL           time.Duration
	requireVerifiedEmail bool
}

func NewIssuer(issuerURL string, signKey jwk.Key, users identity.Store, opts ...IssuerOption) (*Issuer, error) {
	alg, err := signatureAlgorithm(signKey)
	if err != nil {
		return nil, err
	}

	i := &Issuer{
		issuerURL:    issuerURL,
		signKey:      signKey,
		alg:          alg,
		users:        users,
		refreshStore: NewMemoryRefreshStore(),
		accessTTL:    1 * time.Hour,
		refreshTTL:   30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// signatureAlgorithm picks the JWS algorithm from the key, preferring an
// explicit alg header and falling back to the key type.
func signatureAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	if alg, ok := key.Algorithm().(jwa.SignatureAlgorithm); ok && alg != "" {
		return alg, nil
	}
	switch key.KeyType() {
	case jwa.EC:
		return jwa.ES256, nil
	case jwa.RSA:
		return jwa.RS256, nil
	case jwa.OctetSeq:
		return jwa.HS256, nil
	default:
		return "", fmt.Errorf("unsupported signing key type %q", key.KeyType())
	}
}

// Issue resolves the local user for a provider profile and returns a fresh
// credential. Fails with ErrPolicyRejected if the deployment requires
// verified emails and the provider did not verify this one.
func (i *Issuer) Issue(ctx context.Context, profile *oidc.UserProfile) (*Credential, error) {
	if i.requireVerifiedEmail && !profile.EmailVerified {
		return nil, fmt.Errorf("%w: email %q not verified by provider %s", ErrPolicyRejected, profile.Email, profile.Provider)
	}

	user, err := i.users.LookupOrCreate(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve local user: %w", err)
	}

	return i.issueForUser(ctx, user, profile.Provider)
}

// Refresh rotates a refresh token and returns a fresh credential.
// The presented token is invalid afterwards regardless of outcome.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	record, err := i.refreshStore.RotateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := i.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("unable to load user for refresh token: %w", err)
	}

	return i.issueForUser(ctx, user, record.Provider)
}

// Revoke invalidates all refresh tokens of a user, e.g. on logout.
func (i *Issuer) Revoke(ctx context.Context, userID string) error {
	return i.refreshStore.DeleteRefreshTokensByUser(ctx, userID)
}

func (i *Issuer) issueForUser(ctx context.Context, user *identity.User, provider string) (*Credential, error) {
	now := time.Now()
	expiresAt := now.Add(i.accessTTL)

	accessJwt := jwt.New()
	accessJwt.Set(jwt.IssuerKey, i.issuerURL)
	accessJwt.Set(jwt.SubjectKey, user.ID)
	accessJwt.Set(jwt.JwtIDKey, ksuid.New().String())
	accessJwt.Set(jwt.IssuedAtKey, now.Unix())
	accessJwt.Set(jwt.ExpirationKey, expiresAt.Unix())
	accessJwt.Set(claimEmail, user.Email)
	accessJwt.Set(claimRole, user.Role)
	accessJwt.Set(claimProvider, provider)

	accessTokenBytes, err := jwt.Sign(accessJwt, jwt.WithKey(i.alg, i.signKey))
	if err != nil {
		return nil, fmt.Errorf("unable to sign access token: %w", err)
	}

	refreshToken := util.GenerateRandomString(64)
	err = i.refreshStore.SaveRefreshToken(ctx, &RefreshRecord{
		Token:     refreshToken,
		UserID:    user.ID,
		Provider:  provider,
		ExpiresAt: now.Add(i.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to save refresh token: %w", err)
	}

	slog.Info("Issued credential", "user_id", user.ID, "provider", provider, "expires_at", expiresAt)

	return &Credential{
		GrantType:             GrantTypeBearer,
		AccessToken:           string(accessTokenBytes),
		RefreshToken:          refreshToken,
		AccessTokenExpiration: expiresAt.Unix(),
	}, nil
}

// PublicJWKS returns the public half of the signing key for the JWKS
// endpoint. Symmetric keys yield an empty set.
func (i *Issuer) PublicJWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	if i.signKey.KeyType() == jwa.OctetSeq {
		return set, nil
	}
	publicKey, err := i.signKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("unable to derive public key: %w", err)
	}
	set.AddKey(publicKey)
	return set, nil
}

// Verifier returns a verifier bound to this issuer's key and issuer URL.
func (i *Issuer) Verifier() (*Verifier, error) {
	verifyKey := i.signKey
	if i.signKey.KeyType() != jwa.OctetSeq {
		publicKey, err := i.signKey.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("unable to derive public key: %w", err)
		}
		verifyKey = publicKey
	}
	return &Verifier{
		issuerURL: i.issuerURL,
		key:       verifyKey,
		alg:       i.alg,
	}, nil
}
