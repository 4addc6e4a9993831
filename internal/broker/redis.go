package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Envelope is the JSON body published on Redis channels.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RedisPublisher publishes envelopes on "<prefix><topic>" channels.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the Redis channel used for topic.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	body, err := json.Marshal(Envelope{
		ID:        id,
		Topic:     topic,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(topic), body).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.Channel(topic), err)
	}
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (p *RedisPublisher) Close() error { return nil }
