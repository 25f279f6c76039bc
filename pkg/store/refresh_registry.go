package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryRefreshTokenRegistry keeps issued refresh tokens in memory. The set
// is process-volatile: a restart empties it and invalidates every
// outstanding refresh token.
type MemoryRefreshTokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]struct{} // token hashes
}

// NewMemoryRefreshTokenRegistry constructs an empty in-memory registry.
func NewMemoryRefreshTokenRegistry() *MemoryRefreshTokenRegistry {
	return &MemoryRefreshTokenRegistry{tokens: make(map[string]struct{})}
}

// Add records a token as issued.
func (r *MemoryRefreshTokenRegistry) Add(token string) error {
	r.mu.Lock()
	r.tokens[registryTokenHash(token)] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Contains reports whether the token is issued and not yet revoked.
func (r *MemoryRefreshTokenRegistry) Contains(token string) (bool, error) {
	r.mu.Lock()
	_, ok := r.tokens[registryTokenHash(token)]
	r.mu.Unlock()
	return ok, nil
}

// Remove revokes a token. Removing an unknown token is a no-op.
func (r *MemoryRefreshTokenRegistry) Remove(token string) error {
	r.mu.Lock()
	delete(r.tokens, registryTokenHash(token))
	r.mu.Unlock()
	return nil
}

// RedisRefreshTokenRegistry stores issued refresh tokens in Redis so
// revocation state survives process restarts.
type RedisRefreshTokenRegistry struct {
	client *redis.Client
}

// NewRedisRefreshTokenRegistry builds a Redis-backed registry.
func NewRedisRefreshTokenRegistry(addr, password string) *RedisRefreshTokenRegistry {
	return &RedisRefreshTokenRegistry{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Add records a token as issued. No TTL: refresh tokens carry no expiry and
// stay redeemable until revoked.
func (r *RedisRefreshTokenRegistry) Add(token string) error {
	ctx, cancel := registryContext()
	defer cancel()
	return r.client.Set(ctx, registryRedisKey(token), "1", 0).Err()
}

// Contains reports whether the token is issued and not yet revoked.
func (r *RedisRefreshTokenRegistry) Contains(token string) (bool, error) {
	ctx, cancel := registryContext()
	defer cancel()
	n, err := r.client.Exists(ctx, registryRedisKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remove revokes a token. Removing an unknown token is a no-op.
func (r *RedisRefreshTokenRegistry) Remove(token string) error {
	ctx, cancel := registryContext()
	defer cancel()
	return r.client.Del(ctx, registryRedisKey(token)).Err()
}

func registryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

// Only hashes are stored so a registry dump never leaks redeemable tokens.
func registryTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func registryRedisKey(token string) string {
	return fmt.Sprintf("refresh:token:%s", registryTokenHash(token))
}
