package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map. It is the fallback when
// no Redis is configured and the store used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// WithClock replaces the store clock.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec, ok := m.records[key]; ok && !rec.Expired(now) {
		cp := *rec
		return &cp, nil
	}

	m.records[key] = &Record{
		Key:       key,
		Status:    StatusPending,
		ExpiresAt: now.Add(ttl),
	}
	return nil, nil
}

func (m *MemoryStore) Commit(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key] = &Record{
		Key:       key,
		Status:    StatusCommitted,
		Result:    append(json.RawMessage(nil), result...),
		ExpiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(m.now()) {
		delete(m.records, key)
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Sweep drops expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			removed++
		}
	}
	return removed
}
