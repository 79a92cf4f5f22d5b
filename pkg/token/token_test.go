package token_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/loginrelay/loginrelay/pkg/identity"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/token"
)

const testIssuerURL = "http://localhost:8080"

func testSigningKey(t *testing.T) jwk.Key {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func testProfile() *oidc.UserProfile {
	return &oidc.UserProfile{
		Provider:      "testop",
		Subject:       "subject-1",
		Email:         "alice@example.com",
		EmailVerified: true,
		DisplayName:   "Alice",
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	credential, err := issuer.Issue(context.Background(), testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	if credential.GrantType != token.GrantTypeBearer {
		t.Error("expected grant type Bearer, got ", credential.GrantType)
	}
	if credential.AccessTokenExpiration <= time.Now().Unix() {
		t.Error("expected a future access token expiration")
	}
	if credential.RefreshToken == "" {
		t.Error("expected a refresh token")
	}

	verifier, err := issuer.Verifier()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	claims, err := verifier.Verify(credential.AccessToken)
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if claims.Email != "alice@example.com" {
		t.Error("expected alice@example.com, got ", claims.Email)
	}
	if claims.Role != identity.DefaultRole {
		t.Error("expected default role, got ", claims.Role)
	}
	if claims.Provider != "testop" {
		t.Error("expected provider testop, got ", claims.Provider)
	}
	if claims.UserID == "" {
		t.Error("expected a user id claim")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore(),
		token.WithAccessTokenTTL(-2*time.Second))
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	credential, err := issuer.Issue(context.Background(), testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	verifier, err := issuer.Verifier()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	if _, err := verifier.Verify(credential.AccessToken); !errors.Is(err, token.ErrTokenInvalid) {
		t.Error("expected ErrTokenInvalid for expired token, got ", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	credential, err := issuer.Issue(context.Background(), testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	otherIssuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	verifier, err := otherIssuer.Verifier()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	if _, err := verifier.Verify(credential.AccessToken); !errors.Is(err, token.ErrTokenInvalid) {
		t.Error("expected ErrTokenInvalid for foreign signature, got ", err)
	}
}

func TestIssueUnverifiedEmailPolicy(t *testing.T) {
	issuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore(),
		token.WithRequireVerifiedEmail(true))
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	profile := testProfile()
	profile.EmailVerified = false

	if _, err := issuer.Issue(context.Background(), profile); !errors.Is(err, token.ErrPolicyRejected) {
		t.Error("expected ErrPolicyRejected, got ", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	issuer, err := token.NewIssuer(testIssuerURL, testSigningKey(t), identity.NewMemoryStore())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	credential, err := issuer.Issue(context.Background(), testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	refreshed, err := issuer.Refresh(context.Background(), credential.RefreshToken)
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if refreshed.RefreshToken == credential.RefreshToken {
		t.Error("expected a rotated refresh token")
	}

	// the first refresh token is single-use
	if _, err := issuer.Refresh(context.Background(), credential.RefreshToken); !errors.Is(err, token.ErrRefreshTokenInvalid) {
		t.Error("expected ErrRefreshTokenInvalid on replay, got ", err)
	}

	verifier, err := issuer.Verifier()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if _, err := verifier.Verify(refreshed.AccessToken); err != nil {
		t.Error("expected refreshed access token to verify, got ", err)
	}
}

func TestHMACSigningKey(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	key, err := jwk.FromRaw(secret)
	if err != nil {
		t.Fatal(err)
	}

	issuer, err := token.NewIssuer(testIssuerURL, key, identity.NewMemoryStore())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	credential, err := issuer.Issue(context.Background(), testProfile())
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}

	verifier, err := issuer.Verifier()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if _, err := verifier.Verify(credential.AccessToken); err != nil {
		t.Error("expected nil, got ", err)
	}

	jwks, err := issuer.PublicJWKS()
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if jwks.Len() != 0 {
		t.Error("expected empty JWKS for a symmetric key")
	}
}
