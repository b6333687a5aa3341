package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// PricePointStore implements domain.PricePointStore using PostgreSQL.
type PricePointStore struct {
	pool *pgxpool.Pool
}

// NewPricePointStore creates a new PricePointStore backed by the given pool.
func NewPricePointStore(pool *pgxpool.Pool) *PricePointStore {
	return &PricePointStore{pool: pool}
}

// InsertBatch inserts points using a pgx Batch. A point already stored for
// the same listing and snapshot version is skipped.
func (s *PricePointStore) InsertBatch(ctx context.Context, points []domain.ListingPricePoint) error {
	if len(points) == 0 {
		return nil
	}

	const query = `
		INSERT INTO price_points (
			listing_id, version, price,
			demand, surplus, time_to_closing, time_to_expiry, recorded_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
		ON CONFLICT (listing_id, version) DO NOTHING`

	batch := &pgx.Batch{}
	for _, p := range points {
		f := p.Point.Factors
		batch.Queue(query,
			p.ListingID, int64(p.Version), p.Point.Price.String(),
			f.Demand, f.Surplus, f.TimeToClosing, f.TimeToExpiry, p.Point.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert price point %d: %w", i, err)
		}
	}
	return nil
}

// ListBefore returns points recorded strictly before the cutoff, oldest
// first.
func (s *PricePointStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ListingPricePoint, error) {
	const query = `
		SELECT listing_id, version, price::text,
			demand, surplus, time_to_closing, time_to_expiry, recorded_at
		FROM price_points WHERE recorded_at < $1
		ORDER BY recorded_at, id`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price points: %w", err)
	}
	defer rows.Close()

	var out []domain.ListingPricePoint
	for rows.Next() {
		var p domain.ListingPricePoint
		var version int64
		var price string
		f := &p.Point.Factors
		if err := rows.Scan(&p.ListingID, &version, &price,
			&f.Demand, &f.Surplus, &f.TimeToClosing, &f.TimeToExpiry, &p.Point.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan price point: %w", err)
		}
		p.Version = uint64(version)
		if p.Point.Price, err = parseMoney(price); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price points rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes points recorded strictly before the cutoff.
func (s *PricePointStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_points WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete price points: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.PricePointStore = (*PricePointStore)(nil)
