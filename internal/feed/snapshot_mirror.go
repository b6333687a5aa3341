package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// CatalogEvent is the JSON shape published on the "catalog" channel.
type CatalogEvent struct {
	Event       string         `json:"event"`
	Version     uint64         `json:"version"`
	PublishedAt time.Time      `json:"published_at"`
	Listings    []ListingPrice `json:"listings"`
}

// ListingPrice is one listing's entry in a CatalogEvent.
type ListingPrice struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"seller_id"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	BasePrice         decimal.Decimal `json:"base_price"`
	DemandLevel       domain.Level    `json:"demand_level"`
	SurplusLevel      domain.Level    `json:"surplus_level"`
	UrgencyMultiplier float64         `json:"urgency_multiplier"`
}

// NewCatalogEvent flattens snap into its wire form.
func NewCatalogEvent(snap *domain.Snapshot) CatalogEvent {
	ev := CatalogEvent{
		Event:       "catalog_snapshot",
		Version:     snap.Version,
		PublishedAt: snap.PublishedAt,
		Listings:    make([]ListingPrice, 0, len(snap.Listings)),
	}
	for _, l := range snap.Listings {
		ev.Listings = append(ev.Listings, ListingPrice{
			ID:                l.ID,
			SellerID:          l.SellerID,
			CurrentPrice:      l.CurrentPrice,
			BasePrice:         l.BasePrice,
			DemandLevel:       l.DemandLevel,
			SurplusLevel:      l.SurplusLevel,
			UrgencyMultiplier: l.UrgencyMultiplier,
		})
	}
	return ev
}

// maxPointBacklog caps the price point batches held while the store is
// unreachable. The oldest batch is dropped past it.
const maxPointBacklog = 1024

// SnapshotMirror copies published snapshots to the Redis price cache, the
// "catalog" pub/sub channel and, when configured, the price point store.
// Its bus callback only hands the snapshot over; the slow writes happen in
// Run. The cache and the channel only need the newest snapshot, so when Run
// falls behind the skipped ones are not written there. Price points are
// history: every snapshot's batch is queued and written in order.
type SnapshotMirror struct {
	prices  domain.PriceCache
	signals domain.SignalBus
	points  domain.PricePointStore
	logger  *slog.Logger

	pending chan *domain.Snapshot

	mu      sync.Mutex
	backlog [][]domain.ListingPricePoint
}

// NewSnapshotMirror creates a SnapshotMirror. Any of the sinks may be nil.
func NewSnapshotMirror(prices domain.PriceCache, signals domain.SignalBus, points domain.PricePointStore, logger *slog.Logger) *SnapshotMirror {
	return &SnapshotMirror{
		prices:  prices,
		signals: signals,
		points:  points,
		logger:  logger.With(slog.String("component", "snapshot_mirror")),
		pending: make(chan *domain.Snapshot, 1),
	}
}

// Handle is the Bus subscriber. It never blocks.
func (m *SnapshotMirror) Handle(_ context.Context, snap *domain.Snapshot) error {
	if m.points != nil {
		m.enqueuePoints(snap)
	}
	select {
	case m.pending <- snap:
		return nil
	default:
	}
	select {
	case old := <-m.pending:
		m.logger.Debug("mirror behind, skipping snapshot", slog.Uint64("version", old.Version))
	default:
	}
	select {
	case m.pending <- snap:
	default:
	}
	return nil
}

func (m *SnapshotMirror) enqueuePoints(snap *domain.Snapshot) {
	pts := make([]domain.ListingPricePoint, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		if n := len(l.PriceHistory); n > 0 {
			pts = append(pts, domain.ListingPricePoint{ListingID: l.ID, Version: snap.Version, Point: l.PriceHistory[n-1]})
		}
	}
	if len(pts) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = append(m.backlog, pts)
	if over := len(m.backlog) - maxPointBacklog; over > 0 {
		m.logger.Warn("price point backlog full, dropping oldest",
			slog.Uint64("version", m.backlog[0][0].Version),
		)
		m.backlog = m.backlog[over:]
	}
}

// Run writes handed-over snapshots until ctx is cancelled. Queued price
// points are flushed once more on the way out.
func (m *SnapshotMirror) Run(ctx context.Context) error {
	m.logger.Info("snapshot mirror started")
	defer m.logger.Info("snapshot mirror stopped")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.flushPoints(flushCtx); err != nil {
				m.logger.Warn("final price point flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case snap := <-m.pending:
			if err := m.write(ctx, snap); err != nil {
				m.logger.Warn("snapshot mirror write failed",
					slog.Uint64("version", snap.Version),
					slog.String("error", err.Error()),
				)
			}
			if err := m.flushPoints(ctx); err != nil {
				m.logger.Warn("price point write failed, will retry",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *SnapshotMirror) write(ctx context.Context, snap *domain.Snapshot) error {
	if m.prices != nil {
		prices := make(map[string]decimal.Decimal, len(snap.Listings))
		for _, l := range snap.Listings {
			prices[l.ID] = l.CurrentPrice
		}
		if err := m.prices.SetPrices(ctx, snap.Version, prices, snap.PublishedAt); err != nil {
			return fmt.Errorf("feed: mirror prices: %w", err)
		}
	}
	if m.signals != nil {
		payload, err := json.Marshal(NewCatalogEvent(snap))
		if err != nil {
			return fmt.Errorf("feed: marshal catalog event: %w", err)
		}
		if err := m.signals.Publish(ctx, domain.ChannelCatalog, payload); err != nil {
			return fmt.Errorf("feed: publish catalog: %w", err)
		}
	}
	return nil
}

// flushPoints writes queued batches oldest first, one InsertBatch per
// snapshot. A failed batch and everything after it go back to the front of
// the queue.
func (m *SnapshotMirror) flushPoints(ctx context.Context) error {
	if m.points == nil {
		return nil
	}
	m.mu.Lock()
	batches := m.backlog
	m.backlog = nil
	m.mu.Unlock()

	for i, b := range batches {
		if err := m.points.InsertBatch(ctx, b); err != nil {
			m.mu.Lock()
			m.backlog = append(batches[i:len(batches):len(batches)], m.backlog...)
			m.mu.Unlock()
			return fmt.Errorf("feed: store price points v%d: %w", b[0].Version, err)
		}
	}
	return nil
}
