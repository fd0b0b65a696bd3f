package session

import (
	"context"
	"errors"
	"time"

	"inkpad/api/internal/store"
)

// RefreshBackend is the subset of the Postgres store used for refresh
// sessions when Redis is not configured.
type RefreshBackend interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	GetRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PGStore adapts the refresh_sessions table to the same surface RedisStore
// offers. The user name is not stored; callers refetch the user on refresh.
type PGStore struct {
	backend RefreshBackend
	ttl     time.Duration
}

func NewPGStore(backend RefreshBackend, ttl time.Duration) *PGStore {
	return &PGStore{backend: backend, ttl: ttl}
}

func (s *PGStore) Save(ctx context.Context, tokenHash string, data TokenData) error {
	return s.backend.SaveRefreshSession(ctx, tokenHash, data.UserID, time.Now().Add(s.ttl))
}

func (s *PGStore) Get(ctx context.Context, tokenHash string) (*TokenData, error) {
	userID, err := s.backend.GetRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &TokenData{UserID: userID}, nil
}

func (s *PGStore) Rotate(ctx context.Context, oldHash, newHash string, data TokenData) error {
	if _, err := s.Get(ctx, oldHash); err != nil {
		return err
	}
	if err := s.backend.RevokeRefreshSession(ctx, oldHash); err != nil {
		return err
	}
	return s.Save(ctx, newHash, data)
}

func (s *PGStore) Delete(ctx context.Context, tokenHash string) error {
	return s.backend.RevokeRefreshSession(ctx, tokenHash)
}
