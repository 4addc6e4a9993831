// Package catalog is the source of truth for listing price and stock.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"checkout-service/internal/cart"
)

// Listing states.
const (
	StatusActive   = "active"
	StatusDraft    = "draft"
	StatusArchived = "archived"
)

var (
	ErrNotFound          = errors.New("listing not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Listing is a product offered by one seller.
type Listing struct {
	ID        string          `json:"id"`
	SellerID  string          `json:"seller_id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Available reports whether the listing can be bought.
func (l Listing) Available() bool {
	return l.Status == StatusActive && l.Stock > 0
}

// Repository reads and writes listings. DecrementStock fails with
// ErrInsufficientStock without changing anything when stock is short.
type Repository interface {
	Get(ctx context.Context, id string) (*Listing, error)
	GetMany(ctx context.Context, ids []string) ([]Listing, error)
	Upsert(ctx context.Context, l Listing) error
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
	DecrementStock(ctx context.Context, id string, qty int) (int, error)
}

// Source adapts a Repository to cart.SourceOfTruth.
type Source struct {
	repo Repository
}

func NewSource(repo Repository) *Source {
	return &Source{repo: repo}
}

func (s *Source) Current(ctx context.Context, ids []string) (map[string]cart.Current, error) {
	listings, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]cart.Current, len(listings))
	for _, l := range listings {
		out[l.ID] = cart.Current{
			ID:        l.ID,
			Price:     l.Price,
			Stock:     l.Stock,
			Available: l.Available(),
		}
	}
	return out, nil
}
