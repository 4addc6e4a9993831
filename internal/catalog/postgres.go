package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresRepository keeps listings in the listings table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const listingColumns = `id, seller_id, title, price::text, stock, status, updated_at`

func scanListing(scan func(dest ...any) error) (Listing, error) {
	var (
		l     Listing
		price string
	)
	if err := scan(&l.ID, &l.SellerID, &l.Title, &price, &l.Stock, &l.Status, &l.UpdatedAt); err != nil {
		return Listing{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Listing{}, fmt.Errorf("invalid price %q for listing %s: %w", price, l.ID, err)
	}
	l.Price = p
	return l, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Listing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &l, nil
}

func (r *PostgresRepository) GetMany(ctx context.Context, ids []string) ([]Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Upsert(ctx context.Context, l Listing) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, price, stock, status, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			status = EXCLUDED.status,
			updated_at = now()
	`, l.ID, l.SellerID, l.Title, l.Price.String(), l.Stock, l.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert listing: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE listings SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DecrementStock(ctx context.Context, id string, qty int) (int, error) {
	var remaining int
	err := r.db.QueryRowContext(ctx, `
		UPDATE listings SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`, id, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to decrement stock: %w", err)
	}

	l, getErr := r.Get(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	return l.Stock, fmt.Errorf("%w: listing %s has %d, need %d", ErrInsufficientStock, id, l.Stock, qty)
}
