package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Every operation holds one mutex, which
// makes key dedup and DLQ moves atomic.
type MemoryStore struct {
	mu          sync.Mutex
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
	seq         int64

	events  map[string]*memEvent
	pending map[string]string // key -> id of the unprocessed event
	dlq     map[string]*memDLQ
}

type memEvent struct {
	Event
	seq         int64
	lockedUntil time.Time
}

func (e *memEvent) claimable(now time.Time) bool {
	return !e.Processed() && !now.Before(e.lockedUntil)
}

type memDLQ struct {
	DLQDoc
	seq int64
}

// NewMemoryStore creates an empty store. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewMemoryStore(maxAttempts int) *MemoryStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryStore{
		maxAttempts: maxAttempts,
		lease:       time.Minute,
		now:         time.Now,
		events:      make(map[string]*memEvent),
		pending:     make(map[string]string),
		dlq:         make(map[string]*memDLQ),
	}
}

// WithClock replaces the store clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// WithLease sets how long a claim hides an event from other drainers.
func (s *MemoryStore) WithLease(lease time.Duration) *MemoryStore {
	if lease > 0 {
		s.lease = lease
	}
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, eventType string, payload json.RawMessage, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(eventType, payload, key), nil
}

func (s *MemoryStore) enqueueLocked(eventType string, payload json.RawMessage, key string) string {
	if key != "" {
		if id, ok := s.pending[key]; ok {
			return id
		}
	}

	s.seq++
	evt := &memEvent{
		Event: Event{
			ID:        uuid.NewString(),
			Type:      eventType,
			Payload:   append(json.RawMessage(nil), payload...),
			Key:       key,
			CreatedAt: s.now(),
		},
		seq: s.seq,
	}
	s.events[evt.ID] = evt
	if key != "" {
		s.pending[key] = evt.ID
	}
	return evt.ID
}

func (s *MemoryStore) FetchOldest(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := s.oldestLocked(limit, func(e *memEvent) bool { return e.claimable(now) })
	events := make([]Event, len(out))
	for i, evt := range out {
		evt.lockedUntil = now.Add(s.lease)
		events[i] = evt.Event
	}
	return events, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok || evt.Processed() {
		return nil, ErrNotFound
	}
	now := s.now()
	if !evt.claimable(now) {
		return nil, ErrClaimed
	}
	evt.lockedUntil = now.Add(s.lease)
	cp := evt.Event
	return &cp, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.oldestLocked(limit, func(e *memEvent) bool { return !e.Processed() })
	events := make([]Event, len(out))
	for i, evt := range out {
		events[i] = evt.Event
	}
	return events, nil
}

func (s *MemoryStore) oldestLocked(limit int, keep func(*memEvent) bool) []*memEvent {
	var out []*memEvent
	for _, evt := range s.events {
		if keep(evt) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := evt.Event
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if evt.Processed() {
		return nil
	}
	now := s.now()
	evt.ProcessedAt = &now
	evt.lockedUntil = time.Time{}
	if evt.Key != "" && s.pending[evt.Key] == id {
		delete(s.pending, evt.Key)
	}
	return nil
}

func (s *MemoryStore) IncAttemptsOrMoveToDLQ(ctx context.Context, id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[id]
	if !ok || evt.Processed() {
		return false, nil
	}

	evt.Attempts++
	evt.LastError = reason
	evt.lockedUntil = time.Time{}
	if evt.Attempts < s.maxAttempts {
		return false, nil
	}

	s.seq++
	doc := &memDLQ{
		DLQDoc: DLQDoc{
			ID:        uuid.NewString(),
			Queue:     QueueName,
			EventType: evt.Type,
			EventKey:  evt.Key,
			Payload:   evt.Payload,
			Reason:    reason,
			Attempts:  evt.Attempts,
			CreatedAt: s.now(),
		},
		seq: s.seq,
	}
	s.dlq[doc.ID] = doc
	delete(s.events, id)
	if evt.Key != "" && s.pending[evt.Key] == id {
		delete(s.pending, evt.Key)
	}
	return true, nil
}

func (s *MemoryStore) ListDLQ(ctx context.Context, limit int) ([]DLQDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*memDLQ, 0, len(s.dlq))
	for _, doc := range s.dlq {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	docs := make([]DLQDoc, len(out))
	for i, doc := range out {
		docs[i] = doc.DLQDoc
	}
	return docs, nil
}

func (s *MemoryStore) RequeueDLQ(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.dlq[id]
	if !ok {
		return 0, nil
	}
	s.enqueueLocked(doc.EventType, doc.Payload, doc.EventKey)
	delete(s.dlq, id)
	return 1, nil
}

func (s *MemoryStore) PurgeDLQ(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dlq[id]; !ok {
		return 0, nil
	}
	delete(s.dlq, id)
	return 1, nil
}
