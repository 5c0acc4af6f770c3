package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type counterValue struct {
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisCounterStore keeps rate/cooldown counters in Redis. Keys carry a native
// TTL matching the counter window so Redis drops them on its own.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore parses redisURL and checks the connection.
func NewRedisCounterStore(ctx context.Context, redisURL string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: connect to redis: %w", err)
	}
	return NewRedisCounterStoreWithClient(client), nil
}

// NewRedisCounterStoreWithClient wraps an existing client.
func NewRedisCounterStoreWithClient(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "counter:"}
}

func (s *RedisCounterStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisCounterStore) GetCounter(ctx context.Context, key string) (Counter, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter: %w", err)
	}
	var v counterValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return Counter{}, false, fmt.Errorf("repository: GetCounter decode: %w", err)
	}
	return Counter{Count: v.Count, ExpiresAt: v.ExpiresAt}, true, nil
}

func (s *RedisCounterStore) PutCounter(ctx context.Context, key string, c Counter) error {
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
			return fmt.Errorf("repository: PutCounter: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(counterValue{Count: c.Count, ExpiresAt: c.ExpiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("repository: PutCounter encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("repository: PutCounter: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
