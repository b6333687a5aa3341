package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// PurchaseStore implements domain.PurchaseStore using PostgreSQL. Rows are
// written by TransactionStore.Commit.
type PurchaseStore struct {
	pool *pgxpool.Pool
}

// NewPurchaseStore creates a new PurchaseStore backed by the given pool.
func NewPurchaseStore(pool *pgxpool.Pool) *PurchaseStore {
	return &PurchaseStore{pool: pool}
}

// ListSince returns purchase records at or after since, oldest first. It is
// used to rebuild the in-memory ledger at startup.
func (s *PurchaseStore) ListSince(ctx context.Context, since time.Time) ([]domain.PurchaseRecord, error) {
	return s.list(ctx, `WHERE purchased_at >= $1`, since)
}

// ListBefore returns purchase records strictly before the cutoff, oldest
// first.
func (s *PurchaseStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PurchaseRecord, error) {
	return s.list(ctx, `WHERE purchased_at < $1`, before)
}

func (s *PurchaseStore) list(ctx context.Context, where string, args ...any) ([]domain.PurchaseRecord, error) {
	q := `SELECT listing_id, seller_id, quantity, price_paid::text, purchased_at
		FROM purchases ` + where + ` ORDER BY purchased_at, id`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list purchases: %w", err)
	}
	defer rows.Close()

	var out []domain.PurchaseRecord
	for rows.Next() {
		var r domain.PurchaseRecord
		var paid string
		if err := rows.Scan(&r.ListingID, &r.SellerID, &r.Quantity, &paid, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan purchase: %w", err)
		}
		if r.PricePaid, err = parseMoney(paid); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list purchases rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes transactions created strictly before the cutoff
// together with their purchase rows, and returns the number of purchase
// rows deleted.
func (s *PurchaseStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM purchases WHERE transaction_id IN
			(SELECT id FROM transactions WHERE created_at < $1)`, before)
		if err != nil {
			return fmt.Errorf("postgres: delete purchases: %w", err)
		}
		n = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `DELETE FROM transactions WHERE created_at < $1`, before); err != nil {
			return fmt.Errorf("postgres: delete transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

var _ domain.PurchaseStore = (*PurchaseStore)(nil)
