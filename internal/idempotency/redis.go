package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "relaychat:idem:"

// RedisStore keeps keys in Redis with SET ... EX, so retention is
// enforced by Redis and shared by every server instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to url (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (uuid.UUID, bool, error) {
	val, err := s.client.Get(ctx, redisPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse remembered message id: %w", err)
	}
	return id, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, key string, messageID uuid.UUID) error {
	if err := s.client.Set(ctx, redisPrefix+key, messageID.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("remember idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
