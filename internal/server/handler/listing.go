package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/service"
)

// CatalogService is what the listing handler needs from the service layer.
type CatalogService interface {
	Snapshot() (*domain.Snapshot, error)
	Listing(id string) (domain.Listing, error)
	PriceHistory(id string) (service.PriceHistoryView, error)
	PopularItems(limit int) []domain.PopularItem
	PurchaseHistory(f ledger.HistoryFilter) []domain.PurchaseRecord
	Publish(ctx context.Context, d domain.ListingDraft) (domain.Listing, error)
	Delist(ctx context.Context, id string) error
}

// ListingHandler serves catalog endpoints.
type ListingHandler struct {
	catalog      CatalogService
	popularLimit int
	logger       *slog.Logger
}

// NewListingHandler creates a ListingHandler. popularLimit is the default
// size of the popular items list.
func NewListingHandler(catalog CatalogService, popularLimit int, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{catalog: catalog, popularLimit: popularLimit, logger: logger}
}

type listingsResponse struct {
	Version  uint64           `json:"version"`
	Listings []domain.Listing `json:"listings"`
}

// ListListings returns the current snapshot, optionally narrowed.
// GET /api/listings?seller_id=&category=
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	snap, err := h.catalog.Snapshot()
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	seller, category := r.URL.Query().Get("seller_id"), r.URL.Query().Get("category")
	out := make([]domain.Listing, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		if (seller == "" || l.SellerID == seller) && (category == "" || l.Category == category) {
			out = append(out, l)
		}
	}
	writeJSON(w, http.StatusOK, listingsResponse{Version: snap.Version, Listings: out})
}

// GetListing returns one listing.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.catalog.Listing(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetHistory returns a listing's price history with volatility and trend.
// GET /api/listings/{id}/history
func (h *ListingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	view, err := h.catalog.PriceHistory(r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Publish creates a listing from a draft.
// POST /api/listings
func (h *ListingHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var d domain.ListingDraft
	if err := decodeJSON(w, r, &d); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	l, err := h.catalog.Publish(r.Context(), d)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// Delist removes a listing.
// DELETE /api/listings/{id}
func (h *ListingHandler) Delist(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Delist(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Popular returns the best sellers by quantity.
// GET /api/popular?limit=
func (h *ListingHandler) Popular(w http.ResponseWriter, r *http.Request) {
	limit := h.popularLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": h.catalog.PopularItems(limit)})
}

// Purchases returns ledger records newest first.
// GET /api/purchases?listing_id=&since=&until=&limit=&offset=
func (h *ListingHandler) Purchases(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r, "since")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	until, err := parseTime(r, "until")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	recs := h.catalog.PurchaseHistory(ledger.HistoryFilter{
		ListingID: r.URL.Query().Get("listing_id"),
		Since:     since,
		Until:     until,
	})
	writeJSON(w, http.StatusOK, map[string]any{"purchases": page(recs, parseListOpts(r))})
}
