package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	listings map[string]Listing
}

func NewMemoryRepository(seed ...Listing) *MemoryRepository {
	r := &MemoryRepository{listings: make(map[string]Listing)}
	for _, l := range seed {
		r.listings[l.ID] = l
	}
	return r
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (r *MemoryRepository) GetMany(ctx context.Context, ids []string) ([]Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Listing
	for _, id := range ids {
		if l, ok := r.listings[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, l Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.UpdatedAt = time.Now().UTC()
	r.listings[l.ID] = l
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listings, id)
	return nil
}

func (r *MemoryRepository) SetStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now().UTC()
	r.listings[id] = l
	return nil
}

func (r *MemoryRepository) DecrementStock(ctx context.Context, id string, qty int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return 0, ErrNotFound
	}
	if l.Stock < qty {
		return l.Stock, fmt.Errorf("%w: listing %s has %d, need %d", ErrInsufficientStock, id, l.Stock, qty)
	}
	l.Stock -= qty
	l.UpdatedAt = time.Now().UTC()
	r.listings[id] = l
	return l.Stock, nil
}
