package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session ids in Redis, shared across client processes.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps rdb. A zero ttl keeps entries forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisStoreFromURL connects to a redis:// URL.
func NewRedisStoreFromURL(rawURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("session: redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), ttl), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// SetIfAbsent uses SETNX so concurrent clients converge on one id.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (string, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return value, nil
	}
	existing, found, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return value, nil
	}
	return existing, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
