package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/geosync/internal/cache/keys"
	"github.com/mohammed-shakir/geosync/internal/cache/redisstore"
)

var ErrInvalidRefresh = errors.New("refresh token invalid, expired or already used")

// SessionStore holds refresh sessions. Consume is atomic so a refresh token
// can be exchanged at most once.
type SessionStore interface {
	Save(ctx context.Context, token, userID string, ttl time.Duration) error
	Consume(ctx context.Context, token string) (userID string, err error)
	Revoke(ctx context.Context, token string) error
}

func newRefreshToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

type sessionData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisSessions keys sessions by the token hash, never the raw token.
type RedisSessions struct {
	rc *redisstore.Client
}

func NewRedisSessions(rc *redisstore.Client) *RedisSessions { return &RedisSessions{rc: rc} }

func (s *RedisSessions) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	b, err := json.Marshal(sessionData{UserID: userID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rc.Set(ctx, keys.Refresh(token), b, ttl); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisSessions) Consume(ctx context.Context, token string) (string, error) {
	raw, ok, err := s.rc.GetDel(ctx, keys.Refresh(token))
	if err != nil {
		return "", fmt.Errorf("consume refresh session: %w", err)
	}
	if !ok {
		return "", ErrInvalidRefresh
	}
	var data sessionData
	if err := json.Unmarshal(raw, &data); err != nil || data.UserID == "" {
		return "", ErrInvalidRefresh
	}
	return data.UserID, nil
}

func (s *RedisSessions) Revoke(ctx context.Context, token string) error {
	if err := s.rc.Del(ctx, keys.Refresh(token)); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// MemorySessions is a single process store for the in-memory deployment.
// Entries share one ttl, fixed at construction.
type MemorySessions struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, string]
}

func NewMemorySessions(size int, ttl time.Duration) *MemorySessions {
	if size <= 0 {
		size = 10000
	}
	return &MemorySessions{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (s *MemorySessions) Save(_ context.Context, token, userID string, _ time.Duration) error {
	s.cache.Add(keys.Refresh(token), userID)
	return nil
}

func (s *MemorySessions) Consume(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keys.Refresh(token)
	uid, ok := s.cache.Get(k)
	if !ok {
		return "", ErrInvalidRefresh
	}
	s.cache.Remove(k)
	return uid, nil
}

func (s *MemorySessions) Revoke(_ context.Context, token string) error {
	s.cache.Remove(keys.Refresh(token))
	return nil
}
