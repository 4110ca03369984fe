package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore reads content from Redis string keys
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(identifier, queryKey string) string {
	return storageKey(s.prefix, identifier, queryKey)
}

func (s *RedisStore) Load(ctx context.Context, identifier, queryKey string) (string, error) {
	text, err := s.rdb.Get(ctx, s.key(identifier, queryKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (s *RedisStore) Save(ctx context.Context, identifier, queryKey, text string) error {
	return s.rdb.Set(ctx, s.key(identifier, queryKey), text, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
