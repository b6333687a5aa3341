package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/service"
)

// CheckoutService is what the checkout handler needs from the service
// layer.
type CheckoutService interface {
	ProcessCheckout(ctx context.Context, lines []domain.CheckoutLine, buyerID string) (domain.Transaction, error)
	TransactionHistory(buyerID string) []domain.Transaction
	TotalRevenue(r service.TimeRange) decimal.Decimal
	TransactionFeed(ctx context.Context, after string, limit int) ([]service.FeedEntry, error)
}

// CheckoutHandler serves checkout and transaction endpoints.
type CheckoutHandler struct {
	checkout CheckoutService
	replays  *service.Replays
	logger   *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(checkout CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, logger: logger}
}

// WithReplays enables the Idempotency-Key header on checkout.
func (h *CheckoutHandler) WithReplays(r *service.Replays) *CheckoutHandler {
	h.replays = r
	return h
}

type checkoutRequest struct {
	Lines   []domain.CheckoutLine `json:"lines"`
	BuyerID string                `json:"buyer_id,omitempty"`
}

// Checkout commits a cart at current prices.
// POST /api/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if h.replays == nil {
		key = ""
	}
	if key != "" {
		prev, replayed, err := h.replays.Claim(key)
		if err != nil {
			writeError(w, http.StatusConflict, "a checkout with this idempotency key is in progress")
			return
		}
		if replayed {
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusOK, prev)
			return
		}
	}

	tx, err := h.checkout.ProcessCheckout(r.Context(), req.Lines, req.BuyerID)
	if key != "" {
		if err != nil {
			h.replays.Release(key)
		} else {
			h.replays.Complete(key, tx)
		}
	}
	if err != nil {
		if tx.Status == domain.TransactionFailed {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":       "transaction could not be persisted",
				"transaction": tx,
			})
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Transactions lists transactions newest first.
// GET /api/transactions?buyer_id=&limit=&offset=
func (h *CheckoutHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	txs := h.checkout.TransactionHistory(r.URL.Query().Get("buyer_id"))
	writeJSON(w, http.StatusOK, map[string]any{"transactions": page(txs, parseListOpts(r))})
}

// Stream replays committed transactions from the transaction stream so a
// consumer can resume from the last entry id it saw.
// GET /api/transactions/stream?after=&limit=
func (h *CheckoutHandler) Stream(w http.ResponseWriter, r *http.Request) {
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	entries, err := h.checkout.TransactionFeed(r.Context(), after, parseListOpts(r).Limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	next := after
	if n := len(entries); n > 0 {
		next = entries[n-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "next": next})
}

// Revenue sums completed transactions in an optional time range.
// GET /api/revenue?since=&until=
func (h *CheckoutHandler) Revenue(w http.ResponseWriter, r *http.Request) {
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
	total := h.checkout.TotalRevenue(service.TimeRange{Start: since, End: until})
	writeJSON(w, http.StatusOK, map[string]string{"total": total.StringFixed(2)})
}
