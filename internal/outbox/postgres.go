package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PostgresStore keeps the outbox in outbox_events and the DLQ in dlq_events.
// Key dedup is enforced by the partial unique index on unprocessed keys.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
	lease       time.Duration
}

// NewPostgresStore creates a store over an open database. Claimed events are
// leased to one drainer for lease; an unfinished claim becomes visible again
// when the lease runs out.
func NewPostgresStore(db *sql.DB, maxAttempts int, lease time.Duration) *PostgresStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if lease <= 0 {
		lease = time.Minute
	}
	return &PostgresStore{db: db, maxAttempts: maxAttempts, lease: lease}
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) Enqueue(ctx context.Context, eventType string, payload json.RawMessage, key string) (string, error) {
	return enqueue(ctx, s.db, eventType, payload, key)
}

func enqueue(ctx context.Context, q execQuerier, eventType string, payload json.RawMessage, key string) (string, error) {
	for i := 0; i < 3; i++ {
		var id string
		err := q.QueryRowContext(ctx, `
			INSERT INTO outbox_events (id, type, payload, key, attempts, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), 0, now())
			ON CONFLICT (key) WHERE processed_at IS NULL DO NOTHING
			RETURNING id
		`, uuid.NewString(), eventType, string(payload), key).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to insert outbox event: %w", err)
		}

		// Conflict: return the unprocessed event holding the key. It may have
		// been processed in between, in which case the insert is retried.
		err = q.QueryRowContext(ctx,
			`SELECT id FROM outbox_events WHERE key = $1 AND processed_at IS NULL`, key).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to look up outbox key: %w", err)
		}
	}
	return "", fmt.Errorf("failed to enqueue outbox event with key %q: concurrent churn", key)
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

const eventColumns = `id, type, payload, COALESCE(key, ''), attempts, COALESCE(last_error, ''), created_at, processed_at`

func scanEvent(scan func(dest ...any) error) (Event, error) {
	var (
		evt         Event
		payload     []byte
		processedAt sql.NullTime
	)
	if err := scan(&evt.ID, &evt.Type, &payload, &evt.Key, &evt.Attempts, &evt.LastError, &evt.CreatedAt, &processedAt); err != nil {
		return Event{}, err
	}
	evt.Payload = payload
	if processedAt.Valid {
		t := processedAt.Time
		evt.ProcessedAt = &t
	}
	return evt, nil
}

func (s *PostgresStore) FetchOldest(ctx context.Context, limit int) ([]Event, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_events SET locked_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE processed_at IS NULL AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, limit, s.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE outbox_events SET locked_until = now() + make_interval(secs => $2)
		WHERE id = $1 AND processed_at IS NULL AND (locked_until IS NULL OR locked_until < now())
		RETURNING `+eventColumns, id, s.lease.Seconds())
	evt, err := scanEvent(row.Scan)
	if err == nil {
		return &evt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim outbox event: %w", err)
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Processed() {
		return nil, ErrNotFound
	}
	return nil, ErrClaimed
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]Event, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id)
	evt, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return &evt, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET processed_at = now(), locked_until = NULL
		WHERE id = $1 AND processed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncAttemptsOrMoveToDLQ(ctx context.Context, id string, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		eventType string
		payload   []byte
		key       string
		attempts  int
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, locked_until = NULL
		WHERE id = $1 AND processed_at IS NULL
		RETURNING type, payload, COALESCE(key, ''), attempts
	`, id, reason).Scan(&eventType, &payload, &key, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to increment outbox attempts: %w", err)
	}

	moved := attempts >= s.maxAttempts
	if moved {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dlq_events (id, queue, event_type, event_key, payload, reason, attempts, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, now())
		`, uuid.NewString(), QueueName, eventType, key, string(payload), reason, attempts)
		if err != nil {
			return false, fmt.Errorf("failed to insert dlq event: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, id); err != nil {
			return false, fmt.Errorf("failed to delete outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return moved, nil
}

func (s *PostgresStore) ListDLQ(ctx context.Context, limit int) ([]DLQDoc, error) {
	limit = normalizeLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, event_type, COALESCE(event_key, ''), payload, reason, attempts, created_at
		FROM dlq_events
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq events: %w", err)
	}
	defer rows.Close()

	var docs []DLQDoc
	for rows.Next() {
		var (
			doc     DLQDoc
			payload []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Queue, &doc.EventType, &doc.EventKey, &payload, &doc.Reason, &doc.Attempts, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dlq event: %w", err)
		}
		doc.Payload = payload
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) RequeueDLQ(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		eventType string
		key       string
		payload   []byte
	)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM dlq_events WHERE id = $1
		RETURNING event_type, COALESCE(event_key, ''), payload
	`, id).Scan(&eventType, &key, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete dlq event: %w", err)
	}

	if _, err := enqueue(ctx, tx, eventType, payload, key); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return 1, nil
}

func (s *PostgresStore) PurgeDLQ(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq_events WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dlq event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
