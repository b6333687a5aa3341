package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CatalogStore loads the catalog the pricing engine is seeded with.
type CatalogStore interface {
	ListSellers(ctx context.Context) ([]Seller, error)
	ListListings(ctx context.Context) ([]Listing, error)
	UpsertSeller(ctx context.Context, s Seller) error
	UpsertListing(ctx context.Context, l Listing) error
	DeleteListing(ctx context.Context, id string) error
}

// PurchaseStore persists ledger records.
type PurchaseStore interface {
	ListSince(ctx context.Context, since time.Time) ([]PurchaseRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]PurchaseRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TransactionStore persists committed transactions together with their
// purchase records in a single database transaction.
type TransactionStore interface {
	Commit(ctx context.Context, tx Transaction) error
	GetByID(ctx context.Context, id string) (Transaction, error)
	ListSince(ctx context.Context, since time.Time) ([]Transaction, error)
	ListBefore(ctx context.Context, before time.Time) ([]Transaction, error)
}

// PricePointStore persists published price points for offline analysis.
type PricePointStore interface {
	InsertBatch(ctx context.Context, points []ListingPricePoint) error
	ListBefore(ctx context.Context, before time.Time) ([]ListingPricePoint, error)
}

// ListingPricePoint is a price point tagged with its listing.
type ListingPricePoint struct {
	ListingID string     `json:"listing_id"`
	Version   uint64     `json:"version"`
	Point     PricePoint `json:"point"`
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ListingAnalyzer recommends a base price and expiry for a new listing. It
// is consulted once at publication, never inside the recompute loop.
type ListingAnalyzer interface {
	Analyze(ctx context.Context, draft ListingDraft) (ListingAnalysis, error)
}

// EventPublisher emits domain events to an external broker.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, key string, payload []byte) error
	Close() error
}
