package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// RedisStore adapts a Redis client to the Store contract. Structured values
// are carried as JSON below any strategy envelopes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore creates a new RedisStore
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, prefix: cfg.Prefix}
}

// NewRedisStoreWithClient wraps an existing client, for hosts that manage
// their own connection pool.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// Entries written outside the engine may not be JSON; surface them raw.
		return raw, true, nil
	}
	return value, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), raw, ttl).Err()
}

func (s *RedisStore) Forever(ctx context.Context, key string, value interface{}) error {
	return s.Put(ctx, key, value, 0)
}

func (s *RedisStore) Forget(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Flush(ctx context.Context) error {
	return s.client.FlushDB(ctx).Err()
}

func (s *RedisStore) Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.key(key), raw, ttl).Result()
}

func (s *RedisStore) Increment(ctx context.Context, key string, by int64) (int64, error) {
	return s.client.IncrBy(ctx, s.key(key), by).Result()
}

func (s *RedisStore) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return s.client.DecrBy(ctx, s.key(key), by).Result()
}

func (s *RedisStore) Driver() string {
	return "redis"
}

// Ping checks backend connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
