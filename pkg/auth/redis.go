package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultTokenKey = "session:access_token"

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisTokenStore reads the access token the session process stored in
// Redis. It never writes.
type RedisTokenStore struct {
	rdb stringGetter
	key string
}

func NewRedisTokenStore(addr, key string) *RedisTokenStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return newRedisTokenStore(rdb, key)
}

func newRedisTokenStore(rdb stringGetter, key string) *RedisTokenStore {
	if key == "" {
		key = DefaultTokenKey
	}
	return &RedisTokenStore{rdb: rdb, key: key}
}

func (s *RedisTokenStore) AccessToken(ctx context.Context) (string, error) {
	tok, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token %q: %w", s.key, err)
	}
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Close releases the underlying client when it owns one.
func (s *RedisTokenStore) Close() error {
	if c, ok := s.rdb.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
