package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
)

// EventTransactionCommitted is the broker event type for committed
// checkouts.
const EventTransactionCommitted = "transaction.committed"

// PricingEngine is the part of the pricing engine the checkout path needs.
type PricingEngine interface {
	Running() bool
	Snapshot() *domain.Snapshot
	RequestImmediateRecompute() error
}

// CheckoutRecorder observes checkout outcomes.
type CheckoutRecorder interface {
	CheckoutCompleted(lines int, total decimal.Decimal)
	CheckoutRejected(reason string)
}

// CheckoutOption customises a CheckoutService.
type CheckoutOption func(*CheckoutService)

// WithTransactionStore persists every transaction before it is applied to
// the ledger. A failed write aborts the checkout.
func WithTransactionStore(s domain.TransactionStore) CheckoutOption {
	return func(c *CheckoutService) { c.store = s }
}

// WithSignalBus appends committed transactions to the "transactions" stream.
func WithSignalBus(b domain.SignalBus) CheckoutOption {
	return func(c *CheckoutService) { c.signals = b }
}

// WithEventPublisher publishes committed transactions to a broker.
func WithEventPublisher(p domain.EventPublisher) CheckoutOption {
	return func(c *CheckoutService) { c.events = p }
}

// WithAuditStore records checkout failures in the audit log.
func WithAuditStore(a domain.AuditStore) CheckoutOption {
	return func(c *CheckoutService) { c.audit = a }
}

// WithFailureHook is called after a transaction fails to persist.
func WithFailureHook(fn func(ctx context.Context, tx domain.Transaction, cause error)) CheckoutOption {
	return func(c *CheckoutService) { c.onFailure = fn }
}

// WithCheckoutRecorder attaches a CheckoutRecorder.
func WithCheckoutRecorder(r CheckoutRecorder) CheckoutOption {
	return func(c *CheckoutService) { c.rec = r }
}

// WithHistory preloads committed transactions, such as the demo set or
// rows restored from the database.
func WithHistory(txs []domain.Transaction) CheckoutOption {
	return func(c *CheckoutService) { c.history = append(c.history, txs...) }
}

// WithCheckoutClock overrides the commit timestamp source.
func WithCheckoutClock(now func() time.Time) CheckoutOption {
	return func(c *CheckoutService) { c.now = now }
}

// CheckoutService validates and commits checkouts. It is the only writer to
// the purchase ledger.
type CheckoutService struct {
	engine  PricingEngine
	ledger  *ledger.Ledger
	store   domain.TransactionStore
	signals domain.SignalBus
	events  domain.EventPublisher
	audit   domain.AuditStore
	rec     CheckoutRecorder
	now     func() time.Time
	logger  *slog.Logger

	onFailure func(ctx context.Context, tx domain.Transaction, cause error)

	// mu guards history only; store and broker I/O happen outside it.
	mu      sync.Mutex
	history []domain.Transaction
}

// NewCheckoutService creates a CheckoutService pricing lines from engine
// and recording purchases in led.
func NewCheckoutService(engine PricingEngine, led *ledger.Ledger, logger *slog.Logger, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{
		engine: engine,
		ledger: led,
		now:    time.Now,
		logger: logger.With(slog.String("component", "checkout_service")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ProcessCheckout prices every line at the current snapshot price and
// commits the transaction. Validation failures, and a stopped engine
// (domain.ErrEngineStopped), return before anything is written. On success one purchase record per line is in the ledger, the
// transaction is in the history and a recompute has been requested.
func (s *CheckoutService) ProcessCheckout(ctx context.Context, lines []domain.CheckoutLine, buyerID string) (domain.Transaction, error) {
	if len(lines) == 0 {
		s.rejected("empty_cart")
		return domain.Transaction{}, domain.ErrEmptyCart
	}
	for i, l := range lines {
		if strings.TrimSpace(l.ListingID) == "" {
			s.rejected("validation")
			return domain.Transaction{}, &domain.ValidationError{Field: fmt.Sprintf("lines[%d].listing_id", i), Reason: "must not be empty"}
		}
		if l.Quantity <= 0 {
			s.rejected("validation")
			return domain.Transaction{}, &domain.ValidationError{Field: fmt.Sprintf("lines[%d].quantity", i), Reason: "must be positive"}
		}
	}

	if !s.engine.Running() {
		s.rejected("engine_stopped")
		return domain.Transaction{}, domain.ErrEngineStopped
	}

	snap := s.engine.Snapshot()
	tx := domain.Transaction{
		ID:          uuid.NewString(),
		Timestamp:   s.now(),
		Lines:       make([]domain.TransactionLine, 0, len(lines)),
		BuyerID:     buyerID,
		TotalAmount: decimal.Zero,
		Status:      domain.TransactionCompleted,
	}
	for _, l := range lines {
		listing, ok := snap.Get(l.ListingID)
		if !ok {
			s.rejected("listing_not_found")
			return domain.Transaction{}, &domain.ListingNotFoundError{ListingID: l.ListingID}
		}
		line := domain.TransactionLine{
			ListingID: listing.ID,
			SellerID:  listing.SellerID,
			Quantity:  l.Quantity,
			PricePaid: listing.CurrentPrice,
		}
		tx.Lines = append(tx.Lines, line)
		tx.TotalAmount = tx.TotalAmount.Add(line.Subtotal())
	}

	if s.store != nil {
		if err := s.store.Commit(ctx, tx); err != nil {
			failed := tx
			failed.Status = domain.TransactionFailed
			s.appendHistory(failed)
			s.rejected("store")
			s.auditFailure(ctx, tx, err)
			return failed, fmt.Errorf("checkout_service: persist transaction: %w", err)
		}
	}

	if err := s.ledger.RecordBatch(tx.Records()); err != nil {
		// Lines were validated above, so this only fires on a zero clock.
		return domain.Transaction{}, fmt.Errorf("checkout_service: record purchases: %w", err)
	}
	s.appendHistory(tx)

	if err := s.engine.RequestImmediateRecompute(); err != nil {
		s.logger.WarnContext(ctx, "recompute request rejected",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()),
		)
	}

	if s.rec != nil {
		s.rec.CheckoutCompleted(len(tx.Lines), tx.TotalAmount)
	}
	s.announce(ctx, tx)

	s.logger.InfoContext(ctx, "transaction committed",
		slog.String("transaction_id", tx.ID),
		slog.Int("lines", len(tx.Lines)),
		slog.String("total", tx.TotalAmount.StringFixed(2)),
	)
	return tx, nil
}

func (s *CheckoutService) appendHistory(tx domain.Transaction) {
	s.mu.Lock()
	s.history = append(s.history, tx)
	s.mu.Unlock()
}

func (s *CheckoutService) rejected(reason string) {
	if s.rec != nil {
		s.rec.CheckoutRejected(reason)
	}
}

func (s *CheckoutService) auditFailure(ctx context.Context, tx domain.Transaction, cause error) {
	s.logger.ErrorContext(ctx, "transaction persistence failed",
		slog.String("transaction_id", tx.ID),
		slog.String("error", cause.Error()),
	)
	if s.onFailure != nil {
		s.onFailure(ctx, tx, cause)
	}
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, "checkout_failed", map[string]any{
		"transaction_id": tx.ID,
		"total":          tx.TotalAmount.String(),
		"error":          cause.Error(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

// announce delivers the committed transaction to the stream and the broker.
// Both are best effort: the transaction is already committed.
func (s *CheckoutService) announce(ctx context.Context, tx domain.Transaction) {
	if s.signals == nil && s.events == nil {
		return
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal transaction failed", slog.String("error", err.Error()))
		return
	}
	if s.signals != nil {
		if err := s.signals.StreamAppend(ctx, domain.StreamTransactions, payload); err != nil {
			s.logger.WarnContext(ctx, "transaction stream append failed",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, EventTransactionCommitted, tx.ID, payload); err != nil {
			s.logger.WarnContext(ctx, "transaction event publish failed",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// TransactionHistory returns transactions newest first, optionally limited
// to one buyer.
func (s *CheckoutService) TransactionHistory(buyerID string) []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, 0, len(s.history))
	for _, tx := range s.history {
		if buyerID == "" || tx.BuyerID == buyerID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// FeedEntry is a committed transaction read back from the transaction
// stream, keyed by its stream entry id.
type FeedEntry struct {
	ID          string             `json:"id"`
	Transaction domain.Transaction `json:"transaction"`
}

// TransactionFeed replays up to limit committed transactions from the
// "transactions" stream that come after the entry id after. An empty after
// starts at the oldest retained entry. Without a signal bus it returns
// domain.ErrUnavailable.
func (s *CheckoutService) TransactionFeed(ctx context.Context, after string, limit int) ([]FeedEntry, error) {
	if s.signals == nil {
		return nil, fmt.Errorf("checkout_service: transaction feed: %w", domain.ErrUnavailable)
	}
	if after == "" {
		after = "0"
	}
	msgs, err := s.signals.StreamRead(ctx, domain.StreamTransactions, after, limit)
	if err != nil {
		return nil, fmt.Errorf("checkout_service: read transaction stream: %w", err)
	}
	out := make([]FeedEntry, 0, len(msgs))
	for _, m := range msgs {
		var tx domain.Transaction
		if err := json.Unmarshal(m.Payload, &tx); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable stream entry",
				slog.String("entry_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, FeedEntry{ID: m.ID, Transaction: tx})
	}
	return out, nil
}

// TimeRange is an inclusive time interval. Nil bounds are open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

func (r TimeRange) contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// TotalRevenue sums completed transactions within r.
func (s *CheckoutService) TotalRevenue(r TimeRange) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, tx := range s.history {
		if tx.Status == domain.TransactionCompleted && r.contains(tx.Timestamp) {
			total = total.Add(tx.TotalAmount)
		}
	}
	return total
}

// IsCheckoutError reports whether err is a caller error rather than an
// infrastructure failure.
func IsCheckoutError(err error) bool {
	return errors.Is(err, domain.ErrEmptyCart) ||
		errors.Is(err, domain.ErrListingNotFound) ||
		errors.Is(err, domain.ErrValidation)
}
