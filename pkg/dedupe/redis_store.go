package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the dedupe set in Redis. Each hash is a key with TTL equal to the
// window, so expiry and sweeping are handled by Redis itself.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisStore creates a store backed by a new Redis client.
func NewRedisStore(addr, password string, db int, window time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, window)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisStore{client: client, window: window, prefix: "dedupe:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// TryAdmit implements Store. SET NX is atomic across all governor instances sharing
// the Redis deployment.
func (s *RedisStore) TryAdmit(ctx context.Context, hash string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+hash, time.Now().UnixNano(), s.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe admit %s: %w", hash, err)
	}
	return ok, nil
}

// Forget removes hash so a later delivery is admitted again.
func (s *RedisStore) Forget(ctx context.Context, hash string) error {
	if err := s.client.Del(ctx, s.prefix+hash).Err(); err != nil {
		return fmt.Errorf("redis dedupe forget %s: %w", hash, err)
	}
	return nil
}

// Sweep implements Store. Redis expires keys on its own.
func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
