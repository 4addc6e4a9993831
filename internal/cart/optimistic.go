package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSuperseded is returned to an update that a newer update for the
	// same item replaced while it was in flight.
	ErrSuperseded  = errors.New("cart: update superseded")
	ErrUnavailable = errors.New("cart: listing not available")
)

// QuantitySender persists a quantity change and returns the confirmed value.
type QuantitySender func(ctx context.Context, itemID string, quantity int) (int, error)

// CatalogSender confirms quantities against the source of truth: a listing
// that is gone or inactive is refused, and a quantity above stock is clamped
// to the stock. Zero always confirms, so an item can be removed.
func CatalogSender(src SourceOfTruth) QuantitySender {
	return func(ctx context.Context, itemID string, quantity int) (int, error) {
		if quantity <= 0 {
			return 0, nil
		}
		current, err := src.Current(ctx, []string{itemID})
		if err != nil {
			return 0, fmt.Errorf("failed to load listing %s: %w", itemID, err)
		}
		cur, ok := current[itemID]
		if !ok || !cur.Available {
			return 0, fmt.Errorf("%w: %s", ErrUnavailable, itemID)
		}
		if quantity > cur.Stock {
			quantity = cur.Stock
		}
		return quantity, nil
	}
}

// OptimisticUpdater shows a quantity change immediately, sends it, and
// reconciles on the response. Only the latest update per item is allowed to
// settle; earlier in-flight updates are cancelled.
type OptimisticUpdater struct {
	send QuantitySender

	mu        sync.Mutex
	seq       uint64
	confirmed map[string]int
	shown     map[string]int
	inflight  map[string]inflightUpdate
}

type inflightUpdate struct {
	seq    uint64
	cancel context.CancelFunc
}

func NewOptimisticUpdater(send QuantitySender) *OptimisticUpdater {
	return &OptimisticUpdater{
		send:      send,
		confirmed: make(map[string]int),
		shown:     make(map[string]int),
		inflight:  make(map[string]inflightUpdate),
	}
}

// Seed records a server-confirmed quantity.
func (u *OptimisticUpdater) Seed(itemID string, quantity int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.confirmed[itemID] = quantity
	u.shown[itemID] = quantity
}

// Quantity returns the value currently shown for an item.
func (u *OptimisticUpdater) Quantity(itemID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shown[itemID]
}

// Confirmed returns the last value the server acknowledged.
func (u *OptimisticUpdater) Confirmed(itemID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.confirmed[itemID]
}

// Quantities returns the shown quantity of every item still in the cart.
func (u *OptimisticUpdater) Quantities() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.shown))
	for id, q := range u.shown {
		if q > 0 {
			out[id] = q
		}
	}
	return out
}

// Set applies quantity optimistically and blocks until the send settles. On
// failure the shown value rolls back to the last confirmed one.
func (u *OptimisticUpdater) Set(ctx context.Context, itemID string, quantity int) (int, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.mu.Lock()
	if prev, ok := u.inflight[itemID]; ok {
		prev.cancel()
	}
	u.seq++
	seq := u.seq
	u.inflight[itemID] = inflightUpdate{seq: seq, cancel: cancel}
	u.shown[itemID] = quantity
	u.mu.Unlock()

	got, err := u.send(reqCtx, itemID, quantity)

	u.mu.Lock()
	defer u.mu.Unlock()
	if cur, ok := u.inflight[itemID]; !ok || cur.seq != seq {
		return 0, ErrSuperseded
	}
	delete(u.inflight, itemID)

	if err != nil {
		u.shown[itemID] = u.confirmed[itemID]
		return u.shown[itemID], err
	}
	u.confirmed[itemID] = got
	u.shown[itemID] = got
	return got, nil
}
