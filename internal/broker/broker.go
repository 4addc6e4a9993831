// Package broker publishes messages to downstream consumers over Redis
// pub/sub or RabbitMQ.
package broker

import (
	"context"
	"sync"
)

// Publisher delivers a message to topic. id is the message id consumers use
// for dedup.
type Publisher interface {
	Publish(ctx context.Context, id string, topic string, payload []byte) error
	Close() error
}

// Message is a published message retained by MemoryPublisher.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// MemoryPublisher keeps published messages in memory.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func (p *MemoryPublisher) Close() error { return nil }
