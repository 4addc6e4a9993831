package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultKeyPrefix = "checkout:idem:"

// RedisStore keeps records in Redis. Begin relies on SETNX so two processes
// racing on the same key cannot both create the pending record.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a connected client. An empty prefix selects the default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error) {
	pending, err := json.Marshal(Record{
		Key:       key,
		Status:    StatusPending,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	// A record can expire between SETNX and GET; the second pass then wins the SETNX.
	for i := 0; i < 2; i++ {
		created, err := s.client.SetNX(ctx, s.key(key), pending, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to begin idempotent operation: %w", err)
		}
		if created {
			return nil, nil
		}

		rec, err := s.Get(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, ErrInProgress
}

func (s *RedisStore) Commit(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	data, err := json.Marshal(Record{
		Key:       key,
		Status:    StatusCommitted,
		Result:    result,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to commit idempotent operation: %w", err)
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}
