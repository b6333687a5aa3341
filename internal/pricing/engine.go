package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
)

// Publisher receives every snapshot the engine publishes. Publish is called
// from the engine's worker goroutine after the snapshot has become visible
// through Engine.Snapshot.
type Publisher interface {
	Publish(ctx context.Context, snap *domain.Snapshot)
}

// Recorder observes engine activity. Implementations must be safe for
// concurrent use.
type Recorder interface {
	TickCompleted(reason string, elapsed time.Duration, listings int)
	RecomputeCoalesced()
	FactorDegraded(factor string)
}

// Tick reasons.
const (
	ReasonStart     = "start"
	ReasonScheduled = "scheduled"
	ReasonTriggered = "triggered"
	ReasonCatalog   = "catalog"
)

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// Engine is the single authority over listing prices. One worker goroutine
// owns all listing state; scheduled ticks, immediate recompute requests and
// catalog commands are serialized through it. Readers see only immutable
// snapshots.
type Engine struct {
	cfg    Config
	calc   *Calculator
	ledger *ledger.Ledger
	pub    Publisher
	rec    Recorder
	now    func() time.Time
	logger *slog.Logger

	snap atomic.Pointer[domain.Snapshot]

	// lifecycle serializes Start and Stop; mu guards cur.
	lifecycle sync.Mutex
	mu        sync.Mutex
	cur       *run

	// Owned by the worker goroutine, or by Start before it launches one.
	listings map[string]domain.Listing
	sellers  map[string]domain.Seller
	version  uint64
}

type run struct {
	kick chan struct{}
	cmds chan command
	stop chan struct{}
	done chan struct{}
}

type command struct {
	apply func() error
	reply chan error
}

// NewEngine creates a stopped Engine reading purchases from led and
// publishing to pub, which may be nil.
func NewEngine(cfg Config, led *ledger.Ledger, pub Publisher, logger *slog.Logger, opts ...Option) *Engine {
	cfg = cfg.normalized()
	e := &Engine{
		cfg:    cfg,
		calc:   NewCalculator(cfg, logger),
		ledger: led,
		pub:    pub,
		now:    time.Now,
		logger: logger.With(slog.String("component", "pricing_engine")),
	}
	for _, o := range opts {
		o(e)
	}
	if e.rec != nil {
		e.calc.OnDegrade(e.rec.FactorDegraded)
	}
	return e
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// Start seeds the engine with listings and sellers, publishes an initial
// snapshot and begins periodic ticking. The worker exits when Stop is called
// or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, listings []domain.Listing, sellers []domain.Seller) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.Running() {
		return domain.ErrEngineRunning
	}

	ls := make(map[string]domain.Listing, len(listings))
	for _, l := range listings {
		n, err := e.prepareListing(l)
		if err != nil {
			return fmt.Errorf("pricing: start: %w", err)
		}
		if _, dup := ls[n.ID]; dup {
			return fmt.Errorf("pricing: start: listing %q: %w", n.ID, domain.ErrAlreadyExists)
		}
		ls[n.ID] = n
	}
	ss := make(map[string]domain.Seller, len(sellers))
	for _, s := range sellers {
		ss[s.ID] = s.Clone()
	}
	e.listings, e.sellers = ls, ss

	e.tick(ctx, ReasonStart)

	r := &run{
		kick: make(chan struct{}, 1),
		cmds: make(chan command),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.cur = r
	e.mu.Unlock()
	go e.loop(ctx, r)

	e.logger.Info("pricing engine started",
		slog.Int("listings", len(ls)),
		slog.Int("sellers", len(ss)),
		slog.Duration("tick_interval", e.cfg.TickInterval),
	)
	return nil
}

// Stop cancels the periodic timer, waits for any in-flight tick to finish
// and transitions to stopped. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
	e.logger.Info("pricing engine stopped")
}

func (e *Engine) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer func() {
		e.mu.Lock()
		if e.cur == r {
			e.cur = nil
		}
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			e.logger.Info("pricing engine context done", slog.String("error", ctx.Err().Error()))
			return
		case <-ticker.C:
			e.tick(ctx, ReasonScheduled)
		case <-r.kick:
			e.tick(ctx, ReasonTriggered)
		case c := <-r.cmds:
			err := c.apply()
			if err == nil {
				e.tick(ctx, ReasonCatalog)
			}
			c.reply <- err
		}
	}
}

func (e *Engine) running() (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil, domain.ErrEngineStopped
	}
	return e.cur, nil
}

// RequestImmediateRecompute asks for a tick as soon as the worker is free.
// It never blocks: at most one request is kept pending and further requests
// made while one is pending are absorbed into it.
func (e *Engine) RequestImmediateRecompute() error {
	r, err := e.running()
	if err != nil {
		return err
	}
	select {
	case r.kick <- struct{}{}:
	default:
		e.logger.Debug("recompute request coalesced")
		if e.rec != nil {
			e.rec.RecomputeCoalesced()
		}
	}
	return nil
}

// Snapshot returns the most recently published snapshot, or nil before the
// first Start.
func (e *Engine) Snapshot() *domain.Snapshot {
	return e.snap.Load()
}

// PriceHistory returns the price history of a listing in the current
// snapshot, oldest first.
func (e *Engine) PriceHistory(listingID string) ([]domain.PricePoint, error) {
	l, ok := e.Snapshot().Get(listingID)
	if !ok {
		return nil, &domain.ListingNotFoundError{ListingID: listingID}
	}
	return l.PriceHistory, nil
}

// AddListing adds a listing to the catalog and publishes a snapshot that
// includes it before returning.
func (e *Engine) AddListing(ctx context.Context, l domain.Listing) error {
	n, err := e.prepareListing(l)
	if err != nil {
		return err
	}
	return e.exec(ctx, func() error {
		if _, ok := e.listings[n.ID]; ok {
			return fmt.Errorf("listing %q: %w", n.ID, domain.ErrAlreadyExists)
		}
		e.listings[n.ID] = n
		return nil
	})
}

// RemoveListing delists a listing. Once it returns, the published snapshot
// no longer contains the listing.
func (e *Engine) RemoveListing(ctx context.Context, id string) error {
	return e.exec(ctx, func() error {
		if _, ok := e.listings[id]; !ok {
			return &domain.ListingNotFoundError{ListingID: id}
		}
		delete(e.listings, id)
		return nil
	})
}

// UpdateSeller inserts or replaces seller state and reprices the catalog.
func (e *Engine) UpdateSeller(ctx context.Context, s domain.Seller) error {
	if strings.TrimSpace(s.ID) == "" {
		return &domain.ValidationError{Field: "seller_id", Reason: "must not be empty"}
	}
	s = s.Clone()
	return e.exec(ctx, func() error {
		e.sellers[s.ID] = s
		return nil
	})
}

// SetInventoryLevel changes a known seller's inventory level and reprices
// the catalog.
func (e *Engine) SetInventoryLevel(ctx context.Context, sellerID string, level domain.Level) error {
	if !level.Valid() {
		return &domain.ValidationError{Field: "inventory_level", Reason: fmt.Sprintf("unknown level %q", level)}
	}
	return e.exec(ctx, func() error {
		s, ok := e.sellers[sellerID]
		if !ok {
			return fmt.Errorf("seller %q: %w", sellerID, domain.ErrNotFound)
		}
		s.InventoryLevel = level
		e.sellers[sellerID] = s
		return nil
	})
}

func (e *Engine) exec(ctx context.Context, apply func() error) error {
	r, err := e.running()
	if err != nil {
		return err
	}
	c := command{apply: apply, reply: make(chan error, 1)}
	select {
	case r.cmds <- c:
	case <-r.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) prepareListing(l domain.Listing) (domain.Listing, error) {
	if strings.TrimSpace(l.ID) == "" {
		return domain.Listing{}, &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	n := l.Clone()
	n.BasePrice = n.BasePrice.Round(e.cfg.CurrencyDecimals)
	if !n.BasePrice.IsPositive() {
		return domain.Listing{}, &domain.ValidationError{Field: "base_price", Reason: "must be positive"}
	}
	if len(n.PriceHistory) > e.cfg.HistoryCapacity {
		n.PriceHistory = n.PriceHistory[len(n.PriceHistory)-e.cfg.HistoryCapacity:]
	}
	return n, nil
}

// tick reprices every listing against one ledger view and publishes the
// result as a single snapshot. Listing state is never modified in place:
// each tick builds new history slices, so slices referenced by earlier
// snapshots stay valid.
func (e *Engine) tick(ctx context.Context, reason string) {
	started := time.Now()
	now := e.now()

	ids := make([]string, 0, len(e.listings))
	for id := range e.listings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	in := Inputs{
		Demand:  NewDemandTable(e.ledger.View(), ids, now),
		Sellers: e.sellers,
	}

	out := make([]domain.Listing, 0, len(ids))
	for _, id := range ids {
		next := e.reprice(e.listings[id], in, now)
		e.listings[id] = next
		out = append(out, next)
	}

	e.version++
	snap := domain.NewSnapshot(e.version, now, out)
	e.snap.Store(snap)
	if e.pub != nil {
		e.pub.Publish(ctx, snap)
	}

	elapsed := time.Since(started)
	if e.rec != nil {
		e.rec.TickCompleted(reason, elapsed, len(out))
	}
	e.logger.Debug("tick published",
		slog.String("reason", reason),
		slog.Uint64("version", e.version),
		slog.Int("listings", len(out)),
		slog.Duration("elapsed", elapsed),
	)
}

func (e *Engine) reprice(l domain.Listing, in Inputs, now time.Time) domain.Listing {
	f := e.calc.Compute(l, in, now)
	price := e.cfg.Price(l.BasePrice, e.cfg.Multiplier(f))

	keep := min(len(l.PriceHistory), e.cfg.HistoryCapacity-1)
	hist := make([]domain.PricePoint, 0, keep+1)
	hist = append(hist, l.PriceHistory[len(l.PriceHistory)-keep:]...)
	hist = append(hist, domain.PricePoint{Timestamp: now, Price: price, Factors: f})

	l.CurrentPrice = price
	l.PriceHistory = hist
	l.DemandLevel = domain.LevelOf(f.Demand)
	l.SurplusLevel = domain.LevelOf(f.Surplus)
	l.UrgencyMultiplier = Urgency(f)
	l.LastUpdated = now
	return l
}
