// Package email renders order notifications and hands them to a sender.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/google/uuid"

	"checkout-service/internal/broker"
)

// Topic is the broker topic outbound mail is published on.
const Topic = "email.send"

// Message is a rendered email.
type Message struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Validate checks the recipient address and subject.
func (m Message) Validate() error {
	if m.To == "" {
		return errors.New("email: missing recipient")
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", m.To, err)
	}
	if m.Subject == "" {
		return errors.New("email: missing subject")
	}
	return nil
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "email sent", "to", msg.To, "subject", msg.Subject, "bytes", len(msg.HTML))
	return nil
}

// BrokerSender publishes messages for a mail relay to deliver.
type BrokerSender struct {
	publisher broker.Publisher
	from      string
}

func NewBrokerSender(publisher broker.Publisher, from string) *BrokerSender {
	return &BrokerSender{publisher: publisher, from: from}
}

func (s *BrokerSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = s.from
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}
	return s.publisher.Publish(ctx, uuid.NewString(), Topic, body)
}
