package checkout

import (
	"context"
	"errors"
	"sort"

	"checkout-service/internal/cart"
)

var ErrNoCatalog = errors.New("checkout: no catalog configured for carts")

// CartLine is the quantity of one item in a session cart.
type CartLine struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// UpdateQuantity changes an item quantity in the session cart. The new value
// is shown at once and confirmed against the catalog; a refused change rolls
// back to the last confirmed quantity, which is returned with the error. A
// newer change to the same item cancels this one with cart.ErrSuperseded.
func (c *Coordinator) UpdateQuantity(ctx context.Context, id, itemID string, quantity int) (CartLine, error) {
	line := CartLine{ItemID: itemID}
	if c.catalog == nil {
		return line, ErrNoCatalog
	}

	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		s = &Session{ID: id, Machine: New()}
		c.sessions[id] = s
	}
	if !CanSubmit(s.Machine.State) {
		state := s.Machine.State
		c.mu.Unlock()
		if IsBusy(state) {
			return line, ErrBusy
		}
		return line, ErrSubmitted
	}
	u, ok := c.carts[id]
	if !ok {
		u = cart.NewOptimisticUpdater(cart.CatalogSender(c.catalog))
		c.carts[id] = u
	}
	s.UpdatedAt = c.now().UTC()
	c.mu.Unlock()

	got, err := u.Set(ctx, itemID, quantity)
	line.Quantity = got
	if err != nil && !errors.Is(err, cart.ErrSuperseded) {
		c.logger.DebugContext(ctx, "cart quantity rolled back", "session_id", id, "item_id", itemID, "error", err)
	}
	return line, err
}

// Cart returns the session cart, ordered by item id.
func (c *Coordinator) Cart(id string) ([]CartLine, error) {
	c.mu.Lock()
	_, ok := c.sessions[id]
	u := c.carts[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	lines := []CartLine{}
	if u == nil {
		return lines, nil
	}
	for itemID, q := range u.Quantities() {
		lines = append(lines, CartLine{ItemID: itemID, Quantity: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemID < lines[j].ItemID })
	return lines, nil
}
