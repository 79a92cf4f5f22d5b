// Package identity maps provider identities to local user records.
// Users are keyed by the pair (provider, subject); the same person
// logging in again always resolves to the same local user.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/loginrelay/loginrelay/pkg/oidc"
)

const DefaultRole = "USER"

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	// LookupOrCreate resolves the local user for a provider profile,
	// creating the record on first login. The operation is atomic per
	// (provider, subject) key; concurrent first logins of the same
	// identity never create duplicates.
	LookupOrCreate(ctx context.Context, profile *oidc.UserProfile) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
}
