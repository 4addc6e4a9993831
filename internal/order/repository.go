package order

import (
	"context"
	"sort"
	"sync"
)

// Repository stores order documents. Update applies fn to the current
// document under a per-order lock and persists the result; an error from fn
// aborts the write.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]*Order, error)
	Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*Order)}
}

func (r *MemoryRepository) Create(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return ErrExists
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) GetByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if paymentID != "" && o.PaymentID == paymentID {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if o.BuyerID == buyerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	r.orders[id] = next
	return next.Clone(), nil
}
