// Package ledger implements the append-only purchase ledger and the demand
// aggregates derived from it.
package ledger

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Config holds the demand scoring parameters. QuantitySaturation and
// FrequencySaturation are the totals at which the quantity and frequency
// halves of a demand score reach 1.
type Config struct {
	DemandWindow        time.Duration
	QuantitySaturation  float64
	FrequencySaturation float64
}

// DefaultConfig returns the standard scoring parameters: a one hour window,
// saturation at 10 units and 5 purchases.
func DefaultConfig() Config {
	return Config{
		DemandWindow:        time.Hour,
		QuantitySaturation:  10,
		FrequencySaturation: 5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DemandWindow <= 0 {
		c.DemandWindow = d.DemandWindow
	}
	if c.QuantitySaturation <= 0 {
		c.QuantitySaturation = d.QuantitySaturation
	}
	if c.FrequencySaturation <= 0 {
		c.FrequencySaturation = d.FrequencySaturation
	}
	return c
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used by the convenience query methods.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is an append-only store of purchase records. Appends are serialized
// by an internal lock; readers take an immutable View and never block
// writers for longer than a slice header copy.
type Ledger struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	records []domain.PurchaseRecord
}

// New returns an empty Ledger.
func New(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg: cfg.normalized(),
		now: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the scoring parameters in effect.
func (l *Ledger) Config() Config { return l.cfg }

// Record appends a single purchase record.
func (l *Ledger) Record(p domain.PurchaseRecord) error {
	return l.RecordBatch([]domain.PurchaseRecord{p})
}

// RecordBatch validates every record and then appends all of them under a
// single lock acquisition. Either every record is appended or none is.
func (l *Ledger) RecordBatch(ps []domain.PurchaseRecord) error {
	for _, p := range ps {
		if err := validate(p); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.records = append(l.records, ps...)
	l.mu.Unlock()
	return nil
}

func validate(p domain.PurchaseRecord) error {
	if strings.TrimSpace(p.ListingID) == "" {
		return &domain.ValidationError{Field: "listing_id", Reason: "must not be empty"}
	}
	if p.Quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if p.Timestamp.IsZero() {
		return &domain.ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

// Len returns the number of records appended so far.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// View returns an immutable view of every record appended so far. Later
// appends are not visible through it.
func (l *Ledger) View() View {
	l.mu.RLock()
	n := len(l.records)
	recs := l.records[:n:n]
	l.mu.RUnlock()
	return View{cfg: l.cfg, records: recs}
}

// DemandScore is View().DemandScore evaluated at the current time.
func (l *Ledger) DemandScore(listingID string, window time.Duration) float64 {
	return l.View().DemandScore(listingID, window, l.now())
}

// RelativeDemandScore is View().RelativeDemandScore evaluated at the current
// time over the configured demand window.
func (l *Ledger) RelativeDemandScore(listingID string, catalog []string) float64 {
	return l.View().RelativeDemandScore(listingID, catalog, l.now())
}

// PopularItems is View().PopularItems.
func (l *Ledger) PopularItems(limit int) []domain.PopularItem {
	return l.View().PopularItems(limit)
}

// PurchaseHistory is View().PurchaseHistory.
func (l *Ledger) PurchaseHistory(f HistoryFilter) []domain.PurchaseRecord {
	return l.View().PurchaseHistory(f)
}

// View is a read-only, point-in-time slice of the ledger.
type View struct {
	cfg     Config
	records []domain.PurchaseRecord
}

// Len returns the number of records in the view.
func (v View) Len() int { return len(v.records) }

// Window returns the configured default demand window.
func (v View) Window() time.Duration { return v.cfg.DemandWindow }

// DemandScore scores purchases of listingID with timestamp >= now-window:
// the mean of min(Q/quantitySaturation, 1) and min(F/frequencySaturation, 1)
// where Q is the summed quantity and F the record count.
func (v View) DemandScore(listingID string, window time.Duration, now time.Time) float64 {
	cutoff := now.Add(-window)
	var qty, freq int
	for i := range v.records {
		r := &v.records[i]
		if r.ListingID != listingID || r.Timestamp.Before(cutoff) {
			continue
		}
		qty += r.Quantity
		freq++
	}
	return v.score(qty, freq)
}

func (v View) score(qty, freq int) float64 {
	q := min(float64(qty)/v.cfg.QuantitySaturation, 1)
	f := min(float64(freq)/v.cfg.FrequencySaturation, 1)
	return (q + f) / 2
}

// DemandScores computes DemandScore for every id in catalog in a single pass
// over the view.
func (v View) DemandScores(catalog []string, window time.Duration, now time.Time) map[string]float64 {
	type agg struct{ qty, freq int }
	aggs := make(map[string]*agg, len(catalog))
	for _, id := range catalog {
		aggs[id] = &agg{}
	}
	cutoff := now.Add(-window)
	for i := range v.records {
		r := &v.records[i]
		a, ok := aggs[r.ListingID]
		if !ok || r.Timestamp.Before(cutoff) {
			continue
		}
		a.qty += r.Quantity
		a.freq++
	}
	out := make(map[string]float64, len(aggs))
	for id, a := range aggs {
		out[id] = v.score(a.qty, a.freq)
	}
	return out
}

// RelativeDemandScore min-max normalizes the demand score of listingID
// against every listing in catalog over the configured window. It returns
// 0.5 when all scores are equal, including the all-zero case.
func (v View) RelativeDemandScore(listingID string, catalog []string, now time.Time) float64 {
	ids := make([]string, 0, len(catalog)+1)
	ids = append(ids, catalog...)
	ids = append(ids, listingID)
	scores := v.DemandScores(ids, v.cfg.DemandWindow, now)
	return Normalize(scores, listingID)
}

// Normalize min-max normalizes scores[id] against all values in scores. It
// returns 0.5 when the observed range is empty.
func Normalize(scores map[string]float64, id string) float64 {
	lo, hi, ok := bounds(scores)
	if !ok || hi == lo {
		return 0.5
	}
	return (scores[id] - lo) / (hi - lo)
}

func bounds(scores map[string]float64) (lo, hi float64, ok bool) {
	first := true
	for _, s := range scores {
		if first {
			lo, hi, first = s, s, false
			continue
		}
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return lo, hi, !first
}

// PopularItems aggregates all records by listing and returns up to limit
// entries ordered by total quantity descending, then listing id ascending.
// A non-positive limit returns every listing.
func (v View) PopularItems(limit int) []domain.PopularItem {
	stats := make(map[string]*domain.PopularItem)
	for _, r := range v.records {
		s, ok := stats[r.ListingID]
		if !ok {
			s = &domain.PopularItem{ListingID: r.ListingID}
			stats[r.ListingID] = s
		}
		s.PurchaseCount++
		s.TotalQuantity += r.Quantity
	}
	out := make([]domain.PopularItem, 0, len(stats))
	for _, s := range stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalQuantity != out[j].TotalQuantity {
			return out[i].TotalQuantity > out[j].TotalQuantity
		}
		return out[i].ListingID < out[j].ListingID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// HistoryFilter narrows PurchaseHistory. Zero values match everything; the
// time range is inclusive on both ends.
type HistoryFilter struct {
	ListingID string
	Since     *time.Time
	Until     *time.Time
}

func (f HistoryFilter) match(r domain.PurchaseRecord) bool {
	if f.ListingID != "" && r.ListingID != f.ListingID {
		return false
	}
	if f.Since != nil && r.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// PurchaseHistory returns the matching records, newest first.
func (v View) PurchaseHistory(f HistoryFilter) []domain.PurchaseRecord {
	out := make([]domain.PurchaseRecord, 0)
	for _, r := range v.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
