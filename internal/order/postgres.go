package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresRepository keeps each order as a JSONB document in the orders
// table, with buyer_id, payment_id and status copied out for lookups.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, payment_id, status, doc, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, o.ID, o.BuyerID, o.PaymentID, string(o.Status), string(doc), o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Order, error) {
	return r.getOne(r.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	return r.getOne(r.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE payment_id = $1`, paymentID))
}

func (r *PostgresRepository) getOne(row *sql.Row) (*Order, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return decode(doc)
}

func (r *PostgresRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		o, err := decode(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	o, err := decode(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}

	next, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET payment_id = NULLIF($2, ''), status = $3, doc = $4, updated_at = $5
		WHERE id = $1
	`, id, o.PaymentID, string(o.Status), string(next), o.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("payment %s is attached to another order: %w", o.PaymentID, ErrExists)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return o, nil
}

func decode(doc []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
