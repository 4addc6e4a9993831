package cart

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Drift fields.
const (
	FieldPrice    = "price"
	FieldQuantity = "quantity"
)

// Current is the authoritative state of one listing.
type Current struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Available bool            `json:"available"`
}

// SourceOfTruth resolves the authoritative price and stock for listings.
// Missing ids are absent from the returned map.
type SourceOfTruth interface {
	Current(ctx context.Context, ids []string) (map[string]Current, error)
}

// Change is one divergence between the client cart and the catalog.
type Change struct {
	ID       string  `json:"id"`
	Field    string  `json:"field"`
	OldValue float64 `json:"oldValue"`
	NewValue float64 `json:"newValue"`
}

// ReviewResult reports drift and carries the cart rewritten with
// authoritative values.
type ReviewResult struct {
	HasDrift bool     `json:"hasDrift"`
	Changes  []Change `json:"changes"`
	Items    []Item   `json:"items"`
}

// DetectDrift compares items with the authoritative values. A listing that
// is gone or unavailable drifts to quantity 0; a quantity above stock drifts
// down to the stock.
func DetectDrift(items []Item, current map[string]Current) ([]Change, []Item) {
	changes := []Change{}
	revised := make([]Item, 0, len(items))

	for _, item := range items {
		cur, ok := current[item.ID]
		if !ok || !cur.Available {
			changes = append(changes, Change{ID: item.ID, Field: FieldQuantity, OldValue: float64(item.Quantity), NewValue: 0})
			item.Quantity = 0
			revised = append(revised, item)
			continue
		}

		if !item.Price.Equal(cur.Price) {
			changes = append(changes, Change{
				ID:       item.ID,
				Field:    FieldPrice,
				OldValue: item.Price.InexactFloat64(),
				NewValue: cur.Price.InexactFloat64(),
			})
			item.Price = cur.Price
		}
		if cur.Stock >= 0 && item.Quantity > cur.Stock {
			changes = append(changes, Change{ID: item.ID, Field: FieldQuantity, OldValue: float64(item.Quantity), NewValue: float64(cur.Stock)})
			item.Quantity = cur.Stock
		}
		revised = append(revised, item)
	}
	return changes, revised
}

// Review loads the authoritative state for items and reports drift. The
// caller must have the buyer re-confirm before charging when HasDrift is set.
func Review(ctx context.Context, src SourceOfTruth, items []Item) (ReviewResult, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	current, err := src.Current(ctx, ids)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("failed to load catalog state: %w", err)
	}

	changes, revised := DetectDrift(items, current)
	return ReviewResult{
		HasDrift: len(changes) > 0,
		Changes:  changes,
		Items:    revised,
	}, nil
}

// Fingerprint is a stable digest of the cart contents, independent of item
// order.
func Fingerprint(items []Item) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s|%d|%s|%s", item.ID, item.Quantity, item.Price.StringFixed(2), item.Seller.ID))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
