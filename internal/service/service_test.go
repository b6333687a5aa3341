package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
	"github.com/alanyoungcy/surplusmarket/internal/pricing"
)

var now0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	led      *ledger.Ledger
	engine   *pricing.Engine
	checkout *CheckoutService
	catalog  *CatalogService
}

func newHarness(t *testing.T, opts ...CheckoutOption) harness {
	t.Helper()
	clock := func() time.Time { return now0 }
	led := ledger.New(ledger.DefaultConfig(), ledger.WithClock(clock))
	cfg := pricing.DefaultConfig()
	cfg.TickInterval = time.Hour
	engine := pricing.NewEngine(cfg, led, nil, discardLogger(), pricing.WithClock(clock))

	sellers := []domain.Seller{{ID: "s1", ClosingTime: "21:00", InventoryLevel: domain.LevelMedium}}
	listings := []domain.Listing{
		{ID: "a", SellerID: "s1", BasePrice: dec("10.00"), ExpiryAt: now0.Add(12 * time.Hour)},
		{ID: "b", SellerID: "s1", BasePrice: dec("4.00"), ExpiryAt: now0.Add(12 * time.Hour)},
	}
	require.NoError(t, engine.Start(context.Background(), listings, sellers))
	t.Cleanup(engine.Stop)

	opts = append([]CheckoutOption{WithCheckoutClock(clock)}, opts...)
	return harness{
		led:      led,
		engine:   engine,
		checkout: NewCheckoutService(engine, led, discardLogger(), opts...),
		catalog:  NewCatalogService(engine, led, NewHeuristicAnalyzer(), nil, nil, discardLogger()),
	}
}

func TestCheckoutPricesFromSnapshot(t *testing.T) {
	h := newHarness(t)
	snap := h.engine.Snapshot()
	a, _ := snap.Get("a")
	b, _ := snap.Get("b")

	tx, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{
		{ListingID: "a", Quantity: 2},
		{ListingID: "b", Quantity: 1},
	}, "buyer-1")
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, domain.TransactionCompleted, tx.Status)
	require.Len(t, tx.Lines, 2)
	assert.True(t, tx.Lines[0].PricePaid.Equal(a.CurrentPrice))
	want := a.CurrentPrice.Mul(decimal.NewFromInt(2)).Add(b.CurrentPrice)
	assert.True(t, tx.TotalAmount.Equal(want), "total %s want %s", tx.TotalAmount, want)

	assert.Equal(t, 2, h.led.Len())
	recs := h.led.PurchaseHistory(ledger.HistoryFilter{ListingID: "a"})
	require.Len(t, recs, 1)
	assert.Equal(t, "s1", recs[0].SellerID)
	assert.Equal(t, now0, recs[0].Timestamp)
}

func TestCheckoutTriggersRecompute(t *testing.T) {
	h := newHarness(t)
	before, _ := h.engine.Snapshot().Get("a")

	_, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 3}}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.engine.Snapshot().Version >= 2 }, time.Second, time.Millisecond)
	snap := h.engine.Snapshot()
	after, _ := snap.Get("a")
	other, _ := snap.Get("b")
	assert.True(t, after.CurrentPrice.GreaterThan(before.CurrentPrice))
	assert.Equal(t, domain.LevelHigh, after.DemandLevel)
	assert.Equal(t, domain.LevelLow, other.DemandLevel)
}

func TestEmptyCartWritesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.checkout.ProcessCheckout(context.Background(), nil, "")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Zero(t, h.led.Len())
	assert.Empty(t, h.checkout.TransactionHistory(""))
}

func TestDelistedListingLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.catalog.Delist(context.Background(), "b"))

	_, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{
		{ListingID: "a", Quantity: 1},
		{ListingID: "b", Quantity: 1},
	}, "")
	var nf *domain.ListingNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "b", nf.ListingID)
	assert.Zero(t, h.led.Len())
	assert.Empty(t, h.checkout.TransactionHistory(""))
}

func TestNonPositiveQuantityRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 0}}, "")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "lines[0].quantity", ve.Field)
	assert.True(t, IsCheckoutError(err))
	assert.Zero(t, h.led.Len())
}

type failingStore struct{ domain.TransactionStore }

func (failingStore) Commit(context.Context, domain.Transaction) error {
	return errors.New("connection reset")
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestPersistenceFailureAbortsCheckout(t *testing.T) {
	audit := &memAudit{}
	var hooked []string
	h := newHarness(t, WithTransactionStore(failingStore{}), WithAuditStore(audit),
		WithFailureHook(func(_ context.Context, tx domain.Transaction, _ error) {
			hooked = append(hooked, tx.ID)
		}))

	tx, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "")
	require.Error(t, err)
	assert.False(t, IsCheckoutError(err))
	assert.Equal(t, domain.TransactionFailed, tx.Status)
	assert.Zero(t, h.led.Len())
	assert.Equal(t, []string{"checkout_failed"}, audit.events)
	assert.Equal(t, []string{tx.ID}, hooked)
	assert.True(t, h.checkout.TotalRevenue(TimeRange{}).IsZero())
	require.Len(t, h.checkout.TransactionHistory(""), 1)
}

type memEvents struct {
	mu   sync.Mutex
	keys []string
}

func (m *memEvents) Publish(_ context.Context, eventType, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, eventType+":"+key)
	return nil
}

func (m *memEvents) Close() error { return nil }

func TestCommittedTransactionIsAnnounced(t *testing.T) {
	events := &memEvents{}
	h := newHarness(t, WithEventPublisher(events))
	tx, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "b", Quantity: 1}}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{EventTransactionCommitted + ":" + tx.ID}, events.keys)
}

func TestCheckoutRejectedWhenEngineStopped(t *testing.T) {
	store := &countingStore{}
	h := newHarness(t, WithTransactionStore(store))
	h.engine.Stop()

	_, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "")
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
	assert.Zero(t, h.led.Len())
	assert.Zero(t, store.commits.Load())
	assert.Empty(t, h.checkout.TransactionHistory(""))
}

type countingStore struct {
	domain.TransactionStore
	commits atomic.Int32
}

func (c *countingStore) Commit(context.Context, domain.Transaction) error {
	c.commits.Add(1)
	return nil
}

// gatedStore blocks the first Commit until release is closed.
type gatedStore struct {
	domain.TransactionStore
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Commit(context.Context, domain.Transaction) error {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestSlowPersistDoesNotBlockOtherCheckouts(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, WithTransactionStore(store))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "slow")
		first <- err
	}()
	<-store.entered

	_, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "b", Quantity: 1}}, "fast")
	require.NoError(t, err)
	assert.Len(t, h.checkout.TransactionHistory(""), 1)
	assert.Equal(t, 1, h.led.Len())

	close(store.release)
	require.NoError(t, <-first)
	assert.Len(t, h.checkout.TransactionHistory(""), 2)
	assert.Equal(t, 2, h.led.Len())
}

type memStream struct {
	domain.SignalBus
	mu      sync.Mutex
	entries []domain.StreamMessage
}

func (m *memStream) StreamAppend(_ context.Context, _ string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.StreamMessage{ID: fmt.Sprintf("%d-0", len(m.entries)+1), Payload: payload})
	return nil
}

func (m *memStream) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StreamMessage
	for _, e := range m.entries {
		if lastID != "0" && e.ID <= lastID {
			continue
		}
		out = append(out, e)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func TestTransactionFeedReplaysStream(t *testing.T) {
	stream := &memStream{}
	h := newHarness(t, WithSignalBus(stream))
	ctx := context.Background()

	tx1, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "alice")
	require.NoError(t, err)
	tx2, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "b", Quantity: 2}}, "bob")
	require.NoError(t, err)
	require.NoError(t, stream.StreamAppend(ctx, domain.StreamTransactions, []byte("garbage")))

	all, err := h.checkout.TransactionFeed(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, tx1.ID, all[0].Transaction.ID)
	assert.True(t, all[0].Transaction.TotalAmount.Equal(tx1.TotalAmount))
	assert.Equal(t, tx2.ID, all[1].Transaction.ID)

	rest, err := h.checkout.TransactionFeed(ctx, all[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, tx2.ID, rest[0].Transaction.ID)
}

func TestTransactionFeedNeedsSignalBus(t *testing.T) {
	h := newHarness(t)
	_, err := h.checkout.TransactionFeed(context.Background(), "", 10)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestHistoryAndRevenue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	clock := now0
	h.checkout.now = func() time.Time { return clock }

	tx1, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "alice")
	require.NoError(t, err)
	clock = now0.Add(time.Minute)
	tx2, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "b", Quantity: 2}}, "bob")
	require.NoError(t, err)
	clock = now0.Add(2 * time.Minute)
	tx3, err := h.checkout.ProcessCheckout(ctx, []domain.CheckoutLine{{ListingID: "b", Quantity: 1}}, "alice")
	require.NoError(t, err)

	hist := h.checkout.TransactionHistory("alice")
	require.Len(t, hist, 2)
	assert.Equal(t, tx3.ID, hist[0].ID)
	assert.Equal(t, tx1.ID, hist[1].ID)
	assert.Len(t, h.checkout.TransactionHistory(""), 3)

	total := tx1.TotalAmount.Add(tx2.TotalAmount).Add(tx3.TotalAmount)
	assert.True(t, h.checkout.TotalRevenue(TimeRange{}).Equal(total))

	start := now0.Add(30 * time.Second)
	end := now0.Add(90 * time.Second)
	assert.True(t, h.checkout.TotalRevenue(TimeRange{Start: &start, End: &end}).Equal(tx2.TotalAmount))
}

func TestConcurrentCheckoutsAllRecorded(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, h.led.Len())
	assert.Len(t, h.checkout.TransactionHistory(""), 20)
}

func TestPublishListing(t *testing.T) {
	h := newHarness(t)
	l, err := h.catalog.Publish(context.Background(), domain.ListingDraft{
		SellerID:       "s1",
		Name:           "Sourdough bread",
		OriginalPrice:  dec("8.00"),
		PreparedAt:     now0,
		FreshnessScore: 7,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, l.ID)
	assert.Equal(t, "Bakery", l.Category)
	assert.Equal(t, "7.20", l.BasePrice.StringFixed(2))
	assert.Equal(t, now0.Add(24*time.Hour), l.ExpiryAt)
	require.Len(t, l.PriceHistory, 1)
	assert.True(t, h.engine.Snapshot().Has(l.ID))

	_, err = h.catalog.Publish(context.Background(), domain.ListingDraft{Name: "x", OriginalPrice: dec("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPriceHistoryView(t *testing.T) {
	h := newHarness(t)
	v, err := h.catalog.PriceHistory("a")
	require.NoError(t, err)
	assert.Len(t, v.Points, 1)
	assert.Equal(t, pricing.TrendStable, v.Trend)
	assert.Zero(t, v.Volatility)

	_, err = h.catalog.PriceHistory("zzz")
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestHeuristicAnalyzer(t *testing.T) {
	a := NewHeuristicAnalyzer()
	res, err := a.Analyze(context.Background(), domain.ListingDraft{
		Name:          "Chicken wrap",
		OriginalPrice: dec("12.00"),
		PreparedAt:    now0,
	})
	require.NoError(t, err)
	assert.Equal(t, "Main Course", res.Category)
	assert.Equal(t, "9.00", res.BasePrice.StringFixed(2))
	assert.Equal(t, now0.Add(4*time.Hour), res.ExpiryAt)

	assert.Equal(t, "Food", Categorize("mystery box"))
	assert.Equal(t, int64(60), FreshnessDiscount(1))
	assert.Equal(t, int64(0), FreshnessDiscount(10))
}

func TestWithHistoryPreloadsTransactions(t *testing.T) {
	seeded := []domain.Transaction{{
		ID:          "demo_1",
		Timestamp:   now0.Add(-time.Hour),
		BuyerID:     "demo_user",
		TotalAmount: dec("19.98"),
		Status:      domain.TransactionCompleted,
	}}
	h := newHarness(t, WithHistory(seeded))

	tx, err := h.checkout.ProcessCheckout(context.Background(), []domain.CheckoutLine{{ListingID: "a", Quantity: 1}}, "demo_user")
	require.NoError(t, err)

	hist := h.checkout.TransactionHistory("demo_user")
	require.Len(t, hist, 2)
	assert.Equal(t, tx.ID, hist[0].ID)
	assert.Equal(t, "demo_1", hist[1].ID)
}

func TestReplaysLifecycle(t *testing.T) {
	r := NewReplays(time.Minute)
	clock := now0
	r.now = func() time.Time { return clock }

	_, replayed, err := r.Claim("k1")
	require.NoError(t, err)
	assert.False(t, replayed)

	_, _, err = r.Claim("k1")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	r.Complete("k1", domain.Transaction{ID: "tx-1"})
	tx, replayed, err := r.Claim("k1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "tx-1", tx.ID)

	_, _, err = r.Claim("k2")
	require.NoError(t, err)
	r.Release("k2")
	_, replayed, err = r.Claim("k2")
	require.NoError(t, err)
	assert.False(t, replayed)

	clock = clock.Add(2 * time.Minute)
	r.Cleanup()
	assert.Zero(t, r.Len())
}

func TestReplaysReleaseKeepsCompleted(t *testing.T) {
	r := NewReplays(time.Minute)
	_, _, _ = r.Claim("k")
	r.Complete("k", domain.Transaction{ID: "tx"})
	r.Release("k")
	tx, replayed, err := r.Claim("k")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "tx", tx.ID)
}
