// Package idempotency collapses retried mutations onto a single execution.
//
// A caller begins an operation under a key. Exactly one concurrent caller
// creates the pending record; the others observe it. On success the caller
// commits the result so later attempts replay it, and on failure the record
// is deleted so a fresh attempt may run.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status of an idempotency record
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// DefaultTTL bounds how long a record blocks or replays an operation.
const DefaultTTL = 15 * time.Minute

var (
	// ErrInProgress means another attempt holds the pending record.
	ErrInProgress = errors.New("idempotency: operation already in progress")

	// ErrNotFound is returned by Get when no live record exists.
	ErrNotFound = errors.New("idempotency: record not found")
)

// Record is the stored state of one logical operation.
type Record struct {
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the backing store contract.
type Store interface {
	// Begin creates a pending record if none is live and returns nil. If a
	// live record exists it is returned unchanged.
	Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error)

	// Commit marks the record committed and stores result for replay.
	Commit(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error

	// Fail deletes the record so the operation may be attempted again.
	Fail(ctx context.Context, key string) error

	// Get returns the live record for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
}

// Do runs fn at most once per key while the record lives. A committed record
// replays its stored result (replayed is true); a pending one yields
// ErrInProgress. A failing fn releases the key.
func Do[T any](ctx context.Context, store Store, key string, ttl time.Duration, fn func(context.Context) (T, error)) (result T, replayed bool, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	existing, err := store.Begin(ctx, key, ttl)
	if err != nil {
		return result, false, err
	}
	if existing != nil {
		switch existing.Status {
		case StatusCommitted:
			if len(existing.Result) > 0 {
				if err := json.Unmarshal(existing.Result, &result); err != nil {
					return result, false, err
				}
			}
			return result, true, nil
		default:
			return result, false, ErrInProgress
		}
	}

	result, err = fn(ctx)
	if err != nil {
		if failErr := store.Fail(ctx, key); failErr != nil {
			return result, false, errors.Join(err, failErr)
		}
		return result, false, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		_ = store.Fail(ctx, key)
		return result, false, err
	}
	if err := store.Commit(ctx, key, data, ttl); err != nil {
		return result, false, err
	}
	return result, false, nil
}
