// Package outbox records side effects durably next to the state change that
// requires them, and drains them asynchronously with bounded attempts.
//
// An event leaves the outbox in one of two ways only: it is marked processed
// (and retained for audit), or it exhausts its attempt budget and is moved
// to the dead-letter queue. Operators requeue or purge DLQ entries by hand.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultMaxAttempts is the number of failed deliveries after which an event
// is moved to the DLQ.
const DefaultMaxAttempts = 5

// QueueName is the origin recorded on DLQ documents moved from the outbox.
const QueueName = "outbox"

var (
	ErrNotFound = errors.New("outbox: event not found")
	ErrClaimed  = errors.New("outbox: event is claimed by another drainer")
)

// Event is a pending or processed side effect.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Key         string          `json:"key,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Processed reports whether the event has been delivered.
func (e *Event) Processed() bool {
	return e.ProcessedAt != nil
}

// DLQDoc is an event quarantined after exhausting its attempts.
type DLQDoc struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	EventType string          `json:"event_type"`
	EventKey  string          `json:"event_key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the outbox and DLQ repository.
type Store interface {
	// Enqueue records a new event. When key is set and an unprocessed event
	// with that key exists, its id is returned and nothing is created.
	Enqueue(ctx context.Context, eventType string, payload json.RawMessage, key string) (string, error)

	// FetchOldest claims up to limit unprocessed events, oldest first.
	// Claimed events are skipped until MarkProcessed or
	// IncAttemptsOrMoveToDLQ releases them, or their lease runs out.
	FetchOldest(ctx context.Context, limit int) ([]Event, error)

	// Claim claims one unprocessed event by id. It returns ErrNotFound for a
	// missing or processed event and ErrClaimed while another claim holds it.
	Claim(ctx context.Context, id string) (*Event, error)

	// ListPending returns unprocessed events, oldest first, without claiming them.
	ListPending(ctx context.Context, limit int) ([]Event, error)

	// Get returns an event by id, processed or not.
	Get(ctx context.Context, id string) (*Event, error)

	// MarkProcessed stamps processed_at. Processed events are kept.
	MarkProcessed(ctx context.Context, id string) error

	// IncAttemptsOrMoveToDLQ records a failed delivery. Once attempts reach
	// the budget the event is moved to the DLQ and moved is true. A missing
	// or already processed id is a no-op.
	IncAttemptsOrMoveToDLQ(ctx context.Context, id string, reason string) (moved bool, err error)

	// ListDLQ returns quarantined events, oldest first.
	ListDLQ(ctx context.Context, limit int) ([]DLQDoc, error)

	// RequeueDLQ recreates the outbox event with zero attempts and deletes
	// the DLQ entry. Returns 0 when the id is absent.
	RequeueDLQ(ctx context.Context, id string) (int, error)

	// PurgeDLQ discards the DLQ entry. Returns 0 when the id is absent.
	PurgeDLQ(ctx context.Context, id string) (int, error)
}

// EffectKey builds the dedup key for one side effect of an aggregate:
// "<aggregateID>:<effectType>[:<discriminator>...]".
func EffectKey(aggregateID, effectType string, discriminators ...string) string {
	key := aggregateID + ":" + effectType
	for _, d := range discriminators {
		key += ":" + d
	}
	return key
}
