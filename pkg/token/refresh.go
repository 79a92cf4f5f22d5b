package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrRefreshTokenInvalid = errors.New("refresh token invalid")

// RefreshRecord is the server-side state behind an opaque refresh token.
type RefreshRecord struct {
	Token     string
	UserID    string
	Provider  string
	ExpiresAt time.Time
}

// RefreshStore holds refresh tokens between logins. Rotate is single-shot:
// it returns the record and removes it in one step, so a replayed refresh
// token always fails.
type RefreshStore interface {
	SaveRefreshToken(ctx context.Context, record *RefreshRecord) error
	RotateRefreshToken(ctx context.Context, token string) (*RefreshRecord, error)
	DeleteRefreshTokensByUser(ctx context.Context, userID string) error
}

type memoryRefreshStore struct {
	records map[string]*RefreshRecord
	lock    sync.Mutex
}

func NewMemoryRefreshStore() RefreshStore {
	return &memoryRefreshStore{
		records: make(map[string]*RefreshRecord),
	}
}

func (s *memoryRefreshStore) SaveRefreshToken(ctx context.Context, record *RefreshRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records[record.Token] = record
	return nil
}

func (s *memoryRefreshStore) RotateRefreshToken(ctx context.Context, token string) (*RefreshRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	record, ok := s.records[token]
	if !ok {
		return nil, ErrRefreshTokenInvalid
	}
	delete(s.records, token)

	if time.Now().After(record.ExpiresAt) {
		return nil, ErrRefreshTokenInvalid
	}
	return record, nil
}

func (s *memoryRefreshStore) DeleteRefreshTokensByUser(ctx context.Context, userID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for token, record := range s.records {
		if record.UserID == userID {
			delete(s.records, token)
		}
	}
	return nil
}
