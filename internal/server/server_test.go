package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/pricing"
	"github.com/alanyoungcy/surplusmarket/internal/server/handler"
	"github.com/alanyoungcy/surplusmarket/internal/service"
)

var now0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type api struct {
	handler http.Handler
	engine  *pricing.Engine
}

func newAPI(t *testing.T, cfg Config) api {
	t.Helper()
	clock := func() time.Time { return now0 }
	led := ledger.New(ledger.DefaultConfig(), ledger.WithClock(clock))
	pcfg := pricing.DefaultConfig()
	pcfg.TickInterval = time.Hour
	engine := pricing.NewEngine(pcfg, led, nil, discard(), pricing.WithClock(clock))
	require.NoError(t, engine.Start(context.Background(),
		[]domain.Listing{
			{ID: "1", SellerID: "s1", Name: "Mediterranean Bowl", Category: "Main Course", BasePrice: decimal.RequireFromString("9.99"), ExpiryAt: now0.Add(2 * time.Hour)},
			{ID: "2", SellerID: "s1", Name: "Sourdough Bread", Category: "Bakery", BasePrice: decimal.RequireFromString("5.99"), ExpiryAt: now0.Add(4 * time.Hour)},
		},
		[]domain.Seller{{ID: "s1", ClosingTime: "22:00", InventoryLevel: domain.LevelMedium}},
	))
	t.Cleanup(engine.Stop)

	checkout := service.NewCheckoutService(engine, led, discard(), service.WithCheckoutClock(clock))
	catalog := service.NewCatalogService(engine, led, service.NewHeuristicAnalyzer(), nil, nil, discard())

	h := Handlers{
		Health:   handler.NewHealthHandler(engine),
		Listings: handler.NewListingHandler(catalog, 5, discard()),
		Checkout: handler.NewCheckoutHandler(checkout, discard()).WithReplays(service.NewReplays(time.Hour)),
		Audit:    handler.NewAuditHandler(&memAudit{}, discard()),
	}
	return api{handler: Routes(cfg, h, Extras{}, discard()), engine: engine}
}

func (a api) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	a := newAPI(t, Config{})
	rec := a.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["engine_running"])

	a.engine.Stop()
	rec = a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListingsAndFilters(t *testing.T) {
	a := newAPI(t, Config{})

	rec := a.do(t, http.MethodGet, "/api/listings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[struct {
		Version  uint64           `json:"version"`
		Listings []domain.Listing `json:"listings"`
	}](t, rec)
	assert.Equal(t, uint64(1), all.Version)
	assert.Len(t, all.Listings, 2)

	rec = a.do(t, http.MethodGet, "/api/listings?category=Bakery", nil)
	bakery := decode[struct {
		Listings []domain.Listing `json:"listings"`
	}](t, rec)
	require.Len(t, bakery.Listings, 1)
	assert.Equal(t, "2", bakery.Listings[0].ID)

	rec = a.do(t, http.MethodGet, "/api/listings/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/listings/1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[service.PriceHistoryView](t, rec)
	assert.Len(t, view.Points, 1)
}

func TestCheckoutFlow(t *testing.T) {
	a := newAPI(t, Config{})
	want, ok := a.engine.Snapshot().Get("1")
	require.True(t, ok)

	rec := a.do(t, http.MethodPost, "/api/checkout", map[string]any{
		"lines":    []map[string]any{{"listing_id": "1", "quantity": 2}},
		"buyer_id": "u1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[domain.Transaction](t, rec)
	assert.Equal(t, domain.TransactionCompleted, tx.Status)
	assert.True(t, tx.TotalAmount.Equal(want.CurrentPrice.Mul(decimal.NewFromInt(2))))

	rec = a.do(t, http.MethodGet, "/api/transactions?buyer_id=u1", nil)
	txs := decode[map[string][]domain.Transaction](t, rec)
	assert.Len(t, txs["transactions"], 1)

	rec = a.do(t, http.MethodGet, "/api/revenue", nil)
	assert.Equal(t, tx.TotalAmount.StringFixed(2), decode[map[string]string](t, rec)["total"])

	rec = a.do(t, http.MethodGet, "/api/popular?limit=1", nil)
	pop := decode[map[string][]domain.PopularItem](t, rec)
	require.Len(t, pop["items"], 1)
	assert.Equal(t, 2, pop["items"][0].TotalQuantity)

	rec = a.do(t, http.MethodGet, "/api/purchases?listing_id=1", nil)
	assert.Len(t, decode[map[string][]domain.PurchaseRecord](t, rec)["purchases"], 1)
}

func TestCheckoutErrors(t *testing.T) {
	a := newAPI(t, Config{})

	cases := []struct {
		name string
		body any
		want int
	}{
		{"empty cart", map[string]any{"lines": []any{}}, http.StatusBadRequest},
		{"zero quantity", map[string]any{"lines": []map[string]any{{"listing_id": "1", "quantity": 0}}}, http.StatusBadRequest},
		{"unknown listing", map[string]any{"lines": []map[string]any{{"listing_id": "404", "quantity": 1}}}, http.StatusNotFound},
		{"unknown field", map[string]any{"cart": 1}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/checkout", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := a.do(t, http.MethodGet, "/api/revenue?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishAndDelist(t *testing.T) {
	a := newAPI(t, Config{APIKey: "k"})

	draft := map[string]any{
		"seller_id":      "s1",
		"name":           "Chocolate Cake",
		"original_price": "12.00",
		"prepared_at":    now0.Add(-time.Hour).Format(time.RFC3339),
	}
	rec := a.do(t, http.MethodPost, "/api/listings", draft)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/listings", draft, "X-API-Key", "k")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decode[domain.Listing](t, rec)
	assert.Equal(t, "Dessert", l.Category)

	rec = a.do(t, http.MethodDelete, "/api/listings/"+l.ID, nil, "X-API-Key", "k")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/listings/"+l.ID, nil, "X-API-Key", "k")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutIdempotencyKey(t *testing.T) {
	a := newAPI(t, Config{})
	body := map[string]any{"lines": []map[string]any{{"listing_id": "2", "quantity": 1}}}

	first := a.do(t, http.MethodPost, "/api/checkout", body, "Idempotency-Key", "cart-42")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	tx := decode[domain.Transaction](t, first)

	again := a.do(t, http.MethodPost, "/api/checkout", body, "Idempotency-Key", "cart-42")
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, tx.ID, decode[domain.Transaction](t, again).ID)

	rec := a.do(t, http.MethodGet, "/api/transactions", nil)
	assert.Len(t, decode[map[string][]domain.Transaction](t, rec)["transactions"], 1)

	// A rejected checkout releases its key.
	bad := map[string]any{"lines": []map[string]any{{"listing_id": "404", "quantity": 1}}}
	require.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/checkout", bad, "Idempotency-Key", "cart-43").Code)
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/checkout", body, "Idempotency-Key", "cart-43").Code)
}

type memAudit struct{ opts domain.ListOpts }

func (m *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.opts = opts
	return []domain.AuditEntry{{ID: 7, Event: "checkout_failed", CreatedAt: now0}}, nil
}

func TestAuditNeedsAPIKey(t *testing.T) {
	a := newAPI(t, Config{APIKey: "secret"})

	rec := a.do(t, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/audit?limit=5", nil, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, rec)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "checkout_failed", body.Entries[0].Event)

	rec = a.do(t, http.MethodGet, "/api/audit?since=yesterday", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditClosedWithoutAPIKey(t *testing.T) {
	a := newAPI(t, Config{})
	rec := a.do(t, http.MethodGet, "/api/audit", nil, "X-API-Key", "anything")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransactionStreamWithoutRedis(t *testing.T) {
	a := newAPI(t, Config{})
	rec := a.do(t, http.MethodGet, "/api/transactions/stream?after=0", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsMirrorLag(t *testing.T) {
	a := newAPI(t, Config{})
	h := handler.NewHealthHandler(a.engine).WithMirrorVersion(func(context.Context) (uint64, error) { return 0, nil })

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, 0.0, body["mirror_version"])
	assert.Equal(t, 1.0, body["mirror_lag"])

	h = handler.NewHealthHandler(a.engine).WithMirrorVersion(func(context.Context) (uint64, error) {
		return 0, errors.New("redis down")
	})
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
