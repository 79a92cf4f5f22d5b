package rp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loginrelay/loginrelay/pkg/nonce"
	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/loginrelay/loginrelay/pkg/token"
)

type Option func(*Server) error

func WithOpenidProvider(client oidc.Client) Option {
	return func(s *Server) error {
		if _, exists := s.providers[client.Name()]; exists {
			return fmt.Errorf("duplicate provider name: %s", client.Name())
		}
		s.identityProviders = append(s.identityProviders, client)
		s.providers[client.Name()] = client
		slog.Info("Using OIDC provider", "name", client.Name(), "issuer", client.Issuer(), "client_id", client.ClientID())
		return nil
	}
}

func WithIssuer(issuer *token.Issuer) Option {
	return func(s *Server) error {
		s.issuer = issuer
		return nil
	}
}

func WithAttemptStore(store AttemptStore) Option {
	return func(s *Server) error {
		s.attempts = store
		return nil
	}
}

func WithNonceService(nonces nonce.Service) Option {
	return func(s *Server) error {
		s.nonces = nonces
		return nil
	}
}

// WithAttemptTTL bounds how long a login attempt may wait for its
// callback before the state is treated as unknown.
func WithAttemptTTL(ttl time.Duration) Option {
	return func(s *Server) error {
		if ttl <= 0 {
			return fmt.Errorf("attempt ttl must be positive, got %s", ttl)
		}
		s.attemptTTL = ttl
		return nil
	}
}

// WithFlowTimeout sets the end-to-end deadline for the callback leg of an
// attempt; in-flight provider calls are cancelled when it expires.
func WithFlowTimeout(timeout time.Duration) Option {
	return func(s *Server) error {
		if timeout <= 0 {
			return fmt.Errorf("flow timeout must be positive, got %s", timeout)
		}
		s.flowTimeout = timeout
		return nil
	}
}

func WithSecureCookies(secure bool) Option {
	return func(s *Server) error {
		s.cookieSecure = secure
		return nil
	}
}
