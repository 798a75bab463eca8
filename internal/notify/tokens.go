// README: Device token registry backed by Redis, with an in-memory variant.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridelink/internal/types"
)

const (
	tokenKeyPrefix = "notify:token:%s"
	tokenTTL       = 60 * 24 * time.Hour
)

type TokenRegistry struct {
	redis *redis.Client
}

func NewTokenRegistry(redis *redis.Client) *TokenRegistry {
	return &TokenRegistry{redis: redis}
}

func (r *TokenRegistry) Register(ctx context.Context, userID types.ID, token string) error {
	if userID == "" || token == "" {
		return errors.New("user id and token are required")
	}
	return r.redis.Set(ctx, tokenKey(userID), token, tokenTTL).Err()
}

func (r *TokenRegistry) Token(ctx context.Context, userID types.ID) (string, error) {
	v, err := r.redis.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoDevice
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *TokenRegistry) Unregister(ctx context.Context, userID types.ID) error {
	return r.redis.Del(ctx, tokenKey(userID)).Err()
}

func tokenKey(userID types.ID) string {
	return fmt.Sprintf(tokenKeyPrefix, string(userID))
}

// MemoryTokens is an in-process registry for single-instance runs.
type MemoryTokens struct {
	mu     sync.RWMutex
	tokens map[types.ID]string
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{tokens: make(map[types.ID]string)}
}

func (m *MemoryTokens) Register(_ context.Context, userID types.ID, token string) error {
	if userID == "" || token == "" {
		return errors.New("user id and token are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = token
	return nil
}

func (m *MemoryTokens) Token(_ context.Context, userID types.ID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[userID]
	if !ok {
		return "", ErrNoDevice
	}
	return t, nil
}

func (m *MemoryTokens) Unregister(_ context.Context, userID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}
