package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the access/refresh credential pair issued at login and
// replaced by every successful refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Expiry returns the exp claim of the access token. The token is decoded
// without verification; the result is informational only. ok is false for
// opaque tokens or tokens without exp.
func (p TokenPair) Expiry() (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

// TokenStore holds the current TokenPair. Implementations must be safe for
// concurrent use and must never expose a half-written pair.
type TokenStore interface {
	// Get returns the stored pair. ok is false when nothing is stored.
	Get(ctx context.Context) (pair TokenPair, ok bool, err error)
	// Set replaces the stored pair.
	Set(ctx context.Context, pair TokenPair) error
	// Clear removes the stored pair and any session data kept alongside it.
	Clear(ctx context.Context) error
}

// MemoryStore is an in-process TokenStore.
type MemoryStore struct {
	mu   sync.RWMutex
	pair TokenPair
	set  bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (TokenPair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pair, s.set, nil
}

func (s *MemoryStore) Set(_ context.Context, pair TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.set = true
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.set = false
	s.mu.Unlock()

	return nil
}
