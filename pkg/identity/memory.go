package identity

import (
	"context"
	"sync"
	"time"

	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/segmentio/ksuid"
)

type memoryStore struct {
	users map[string]*User
	lock  sync.Mutex
}

// NewMemoryStore returns a process-local user store. Suitable for tests
// and single-instance deployments without persistence requirements.
func NewMemoryStore() Store {
	return &memoryStore{
		users: make(map[string]*User),
	}
}

func identityKey(provider, subject string) string {
	return provider + "\x00" + subject
}

func (s *memoryStore) LookupOrCreate(ctx context.Context, profile *oidc.UserProfile) (*User, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	key := identityKey(profile.Provider, profile.Subject)
	if user, ok := s.users[key]; ok {
		user.Email = profile.Email
		user.DisplayName = profile.DisplayName
		user.AvatarURL = profile.AvatarURL
		return detached(user), nil
	}

	user := &User{
		ID:          ksuid.New().String(),
		Provider:    profile.Provider,
		Subject:     profile.Subject,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Role:        DefaultRole,
		CreatedAt:   time.Now().UTC(),
	}
	s.users[key] = user
	return detached(user), nil
}

func (s *memoryStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, user := range s.users {
		if user.ID == id {
			return detached(user), nil
		}
	}
	return nil, ErrUserNotFound
}

// detached copies the canonical record so callers can read the returned
// user without holding the store lock while a later login of the same
// identity updates the profile fields.
func detached(user *User) *User {
	copied := *user
	return &copied
}
