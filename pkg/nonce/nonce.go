// Package nonce provides single-use nonces for binding an ID token to the
// login attempt that requested it.
package nonce

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

type Service interface {
	Get() (string, error)
	Redeem(nonceStr string) error
}

type hashicorpService struct {
	nonceService nonceutil.NonceService
}

// NewService returns a nonce service backed by hashicorp's nonceutil.
// Nonces expire on their own; Redeem succeeds at most once per nonce.
func NewService() (Service, error) {
	nonceService := nonceutil.NewNonceService()
	err := nonceService.Initialize()
	if err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &hashicorpService{nonceService}, nil
}

func (s *hashicorpService) Get() (string, error) {
	nonceStr, _, err := s.nonceService.Get()
	if err != nil {
		return "", err
	}
	return nonceStr, nil
}

func (s *hashicorpService) Redeem(nonceStr string) error {
	ok := s.nonceService.Redeem(nonceStr)
	if !ok {
		return fmt.Errorf("nonce %s not found", nonceStr)
	}
	return nil
}
