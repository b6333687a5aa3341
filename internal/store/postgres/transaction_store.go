package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
// Each transaction's lines are stored as rows of the purchases table.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given
// pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Commit writes the transaction header and one purchase row per line in a
// single database transaction.
func (s *TransactionStore) Commit(ctx context.Context, t domain.Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const header = `
			INSERT INTO transactions (id, buyer_id, total_amount, status, created_at)
			VALUES ($1, $2, $3::numeric, $4, $5)`
		if _, err := tx.Exec(ctx, header,
			t.ID, t.BuyerID, t.TotalAmount.String(), string(t.Status), t.Timestamp,
		); err != nil {
			return fmt.Errorf("postgres: insert transaction %s: %w", t.ID, err)
		}

		const line = `
			INSERT INTO purchases (transaction_id, line_no, listing_id, seller_id, quantity, price_paid, purchased_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`
		batch := &pgx.Batch{}
		for i, l := range t.Lines {
			batch.Queue(line, t.ID, i, l.ListingID, l.SellerID, l.Quantity, l.PricePaid.String(), t.Timestamp)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range t.Lines {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert purchase %s/%d: %w", t.ID, i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close purchase batch: %w", err)
		}
		return nil
	})
}

// GetByID returns one transaction with its lines.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	txs, err := s.query(ctx, `WHERE t.id = $1`, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if len(txs) == 0 {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return txs[0], nil
}

// ListSince returns transactions created at or after since, newest first.
// A zero since loads every transaction.
func (s *TransactionStore) ListSince(ctx context.Context, since time.Time) ([]domain.Transaction, error) {
	return s.query(ctx, `WHERE t.created_at >= $1`, since)
}

// ListBefore returns transactions created strictly before the cutoff.
func (s *TransactionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	return s.query(ctx, `WHERE t.created_at < $1`, before)
}

// query loads transactions matching where, newest first, joined with their
// lines in line order.
func (s *TransactionStore) query(ctx context.Context, where string, args ...any) ([]domain.Transaction, error) {
	q := `
		SELECT t.id, t.buyer_id, t.total_amount::text, t.status, t.created_at,
			p.listing_id, p.seller_id, p.quantity, p.price_paid::text
		FROM transactions t
		LEFT JOIN purchases p ON p.transaction_id = t.id
		` + where + `
		ORDER BY t.created_at DESC, t.id, p.line_no`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			id, buyer, total, status string
			created                  time.Time
			listingID, sellerID      *string
			qty                      *int
			paid                     *string
		)
		if err := rows.Scan(&id, &buyer, &total, &status, &created, &listingID, &sellerID, &qty, &paid); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			amount, err := parseMoney(total)
			if err != nil {
				return nil, err
			}
			out = append(out, domain.Transaction{
				ID:          id,
				BuyerID:     buyer,
				TotalAmount: amount,
				Status:      domain.TransactionStatus(status),
				Timestamp:   created,
			})
		}
		if listingID == nil {
			continue
		}
		price, err := parseMoney(*paid)
		if err != nil {
			return nil, err
		}
		cur := &out[len(out)-1]
		cur.Lines = append(cur.Lines, domain.TransactionLine{
			ListingID: *listingID,
			SellerID:  *sellerID,
			Quantity:  *qty,
			PricePaid: price,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query transactions rows: %w", err)
	}
	return out, nil
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
