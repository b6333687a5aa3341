package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/pricing"
)

// CatalogEngine is the part of the pricing engine the catalog services
// need.
type CatalogEngine interface {
	PricingEngine
	PriceHistory(listingID string) ([]domain.PricePoint, error)
	AddListing(ctx context.Context, l domain.Listing) error
	RemoveListing(ctx context.Context, id string) error
}

// PriceHistoryView is a listing's history with derived statistics.
type PriceHistoryView struct {
	ListingID  string              `json:"listing_id"`
	Points     []domain.PricePoint `json:"points"`
	Volatility float64             `json:"volatility"`
	Trend      pricing.Trend       `json:"trend"`
}

// CatalogService serves read queries over the published snapshot and the
// ledger, and handles listing publication and delisting.
type CatalogService struct {
	engine   CatalogEngine
	ledger   *ledger.Ledger
	analyzer domain.ListingAnalyzer
	store    domain.CatalogStore
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewCatalogService creates a CatalogService. store and audit may be nil.
func NewCatalogService(
	engine CatalogEngine,
	led *ledger.Ledger,
	analyzer domain.ListingAnalyzer,
	store domain.CatalogStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *CatalogService {
	return &CatalogService{
		engine:   engine,
		ledger:   led,
		analyzer: analyzer,
		store:    store,
		audit:    audit,
		logger:   logger.With(slog.String("component", "catalog_service")),
	}
}

// Snapshot returns the current catalog snapshot, or domain.ErrEngineStopped
// if nothing has been published yet.
func (s *CatalogService) Snapshot() (*domain.Snapshot, error) {
	snap := s.engine.Snapshot()
	if snap == nil {
		return nil, domain.ErrEngineStopped
	}
	return snap, nil
}

// Listing returns one listing from the current snapshot.
func (s *CatalogService) Listing(id string) (domain.Listing, error) {
	l, ok := s.engine.Snapshot().Get(id)
	if !ok {
		return domain.Listing{}, &domain.ListingNotFoundError{ListingID: id}
	}
	return l, nil
}

// PriceHistory returns the listing's price history with its volatility and
// trend.
func (s *CatalogService) PriceHistory(id string) (PriceHistoryView, error) {
	pts, err := s.engine.PriceHistory(id)
	if err != nil {
		return PriceHistoryView{}, err
	}
	return PriceHistoryView{
		ListingID:  id,
		Points:     pts,
		Volatility: pricing.Volatility(pts),
		Trend:      pricing.PriceTrend(pts),
	}, nil
}

// PopularItems returns the all-time best sellers.
func (s *CatalogService) PopularItems(limit int) []domain.PopularItem {
	return s.ledger.PopularItems(limit)
}

// PurchaseHistory returns ledger records newest first.
func (s *CatalogService) PurchaseHistory(f ledger.HistoryFilter) []domain.PurchaseRecord {
	return s.ledger.PurchaseHistory(f)
}

// Publish analyses a draft once, adds the resulting listing to the engine
// and persists it. The returned listing carries its first computed price.
func (s *CatalogService) Publish(ctx context.Context, d domain.ListingDraft) (domain.Listing, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if strings.TrimSpace(d.SellerID) == "" {
		return domain.Listing{}, &domain.ValidationError{Field: "seller_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(d.Name) == "" {
		return domain.Listing{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	analysis, err := s.analyzer.Analyze(ctx, d)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("catalog_service: analyze listing: %w", err)
	}
	category := d.Category
	if category == "" {
		category = analysis.Category
	}
	l := domain.Listing{
		ID:        d.ID,
		SellerID:  d.SellerID,
		Name:      d.Name,
		Category:  category,
		BasePrice: analysis.BasePrice,
		ExpiryAt:  analysis.ExpiryAt,
	}

	if s.store != nil {
		if err := s.store.UpsertListing(ctx, l); err != nil {
			return domain.Listing{}, fmt.Errorf("catalog_service: persist listing: %w", err)
		}
	}
	if err := s.engine.AddListing(ctx, l); err != nil {
		if s.store != nil {
			if delErr := s.store.DeleteListing(ctx, l.ID); delErr != nil {
				s.logger.WarnContext(ctx, "rollback of persisted listing failed",
					slog.String("listing_id", l.ID),
					slog.String("error", delErr.Error()),
				)
			}
		}
		return domain.Listing{}, err
	}

	s.auditLog(ctx, "listing_published", map[string]any{
		"listing_id": l.ID,
		"seller_id":  l.SellerID,
		"base_price": l.BasePrice.String(),
		"notes":      analysis.Notes,
	})
	s.logger.InfoContext(ctx, "listing published",
		slog.String("listing_id", l.ID),
		slog.String("base_price", l.BasePrice.StringFixed(2)),
	)
	return s.Listing(l.ID)
}

// Delist removes a listing from the engine and the catalog store.
// Checkouts referencing it fail once Delist returns.
func (s *CatalogService) Delist(ctx context.Context, id string) error {
	if err := s.engine.RemoveListing(ctx, id); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeleteListing(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "delete persisted listing failed",
				slog.String("listing_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.auditLog(ctx, "listing_delisted", map[string]any{"listing_id": id})
	return nil
}

func (s *CatalogService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
