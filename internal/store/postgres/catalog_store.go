package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// CatalogStore implements domain.CatalogStore using PostgreSQL.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore creates a new CatalogStore backed by the given pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// ListSellers returns every seller ordered by id.
func (s *CatalogStore) ListSellers(ctx context.Context) ([]domain.Seller, error) {
	const query = `SELECT id, name, closing_time, timezone, inventory_level, nearby_seller_ids
		FROM sellers ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sellers: %w", err)
	}
	defer rows.Close()

	var out []domain.Seller
	for rows.Next() {
		var sl domain.Seller
		var level string
		if err := rows.Scan(&sl.ID, &sl.Name, &sl.ClosingTime, &sl.Timezone, &level, &sl.NearbySellerIDs); err != nil {
			return nil, fmt.Errorf("postgres: scan seller: %w", err)
		}
		sl.InventoryLevel = domain.Level(level)
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sellers rows: %w", err)
	}
	return out, nil
}

// ListListings returns every listing ordered by id. Prices and history are
// not stored; the engine computes them.
func (s *CatalogStore) ListListings(ctx context.Context) ([]domain.Listing, error) {
	const query = `SELECT id, seller_id, name, category, base_price::text, expiry_at
		FROM listings ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		var l domain.Listing
		var base string
		var expiry *time.Time
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Name, &l.Category, &base, &expiry); err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		if l.BasePrice, err = parseMoney(base); err != nil {
			return nil, err
		}
		if expiry != nil {
			l.ExpiryAt = *expiry
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

// UpsertSeller inserts or updates a seller.
func (s *CatalogStore) UpsertSeller(ctx context.Context, sl domain.Seller) error {
	const query = `
		INSERT INTO sellers (id, name, closing_time, timezone, inventory_level, nearby_seller_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			closing_time = EXCLUDED.closing_time,
			timezone = EXCLUDED.timezone,
			inventory_level = EXCLUDED.inventory_level,
			nearby_seller_ids = EXCLUDED.nearby_seller_ids,
			updated_at = NOW()`
	nearby := sl.NearbySellerIDs
	if nearby == nil {
		nearby = []string{}
	}
	if _, err := s.pool.Exec(ctx, query,
		sl.ID, sl.Name, sl.ClosingTime, sl.Timezone, string(sl.InventoryLevel), nearby,
	); err != nil {
		return fmt.Errorf("postgres: upsert seller %s: %w", sl.ID, err)
	}
	return nil
}

// UpsertListing inserts or updates a listing's catalog fields.
func (s *CatalogStore) UpsertListing(ctx context.Context, l domain.Listing) error {
	const query = `
		INSERT INTO listings (id, seller_id, name, category, base_price, expiry_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			base_price = EXCLUDED.base_price,
			expiry_at = EXCLUDED.expiry_at`
	var expiry *time.Time
	if !l.ExpiryAt.IsZero() {
		expiry = &l.ExpiryAt
	}
	if _, err := s.pool.Exec(ctx, query,
		l.ID, l.SellerID, l.Name, l.Category, l.BasePrice.String(), expiry,
	); err != nil {
		return fmt.Errorf("postgres: upsert listing %s: %w", l.ID, err)
	}
	return nil
}

// DeleteListing removes a listing. It returns domain.ErrNotFound if no row
// matched.
func (s *CatalogStore) DeleteListing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.CatalogStore = (*CatalogStore)(nil)
