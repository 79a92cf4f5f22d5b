package rp

import (
	"errors"
	"sync"
	"time"
)

// ErrAttemptNotFound covers unknown, already consumed and expired states
// alike; callers cannot distinguish a replay from a forgery.
var ErrAttemptNotFound = errors.New("login attempt not found")

// LoginAttempt tracks one login from the first redirect to the callback.
// The state value is single-use; the attempt is destroyed on success,
// failure or expiry.
type LoginAttempt struct {
	ID        string
	Provider  string
	State     string
	Nonce     string
	Verifier  string
	ReturnURL string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type AttemptStore interface {
	SaveAttempt(attempt *LoginAttempt) error
	// ConsumeAttempt removes and returns the attempt for a state value.
	// Compare-and-delete semantics: at most one call per state succeeds,
	// even under concurrent callback delivery.
	ConsumeAttempt(state string) (*LoginAttempt, error)
}

type memoryAttemptStore struct {
	attempts map[string]*LoginAttempt
	lock     sync.Mutex
}

func NewMemoryAttemptStore() AttemptStore {
	return &memoryAttemptStore{
		attempts: make(map[string]*LoginAttempt),
	}
}

func (s *memoryAttemptStore) SaveAttempt(attempt *LoginAttempt) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	// opportunistic sweep so abandoned attempts do not pile up
	now := time.Now()
	for state, a := range s.attempts {
		if now.After(a.ExpiresAt) {
			delete(s.attempts, state)
		}
	}

	s.attempts[attempt.State] = attempt
	return nil
}

func (s *memoryAttemptStore) ConsumeAttempt(state string) (*LoginAttempt, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	attempt, ok := s.attempts[state]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	delete(s.attempts, state)

	if time.Now().After(attempt.ExpiresAt) {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}
