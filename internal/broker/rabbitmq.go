package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"checkout-service/internal/resilience"
)

// RabbitMQPublisher publishes persistent messages to a durable queue through
// the default exchange. The topic travels in the message Type.
type RabbitMQPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

// NewRabbitMQPublisher dials url, retrying while the broker starts, and
// declares queue.
func NewRabbitMQPublisher(ctx context.Context, url, queue string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy := resilience.Policy{Retries: 9, MinDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: true}
	attempt := 0
	conn, err := resilience.Do(ctx, policy, func(ctx context.Context) (*amqp.Connection, error) {
		attempt++
		conn, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("failed to connect to rabbitmq, retrying", "attempt", attempt, "error", err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &RabbitMQPublisher{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    id,
			Type:         topic,
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("published message", "message_id", id, "topic", topic, "queue", p.queue)
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
