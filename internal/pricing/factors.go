package pricing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
	"github.com/alanyoungcy/surplusmarket/internal/ledger"
)

const (
	relativeDemandWeight = 0.7
	absoluteDemandWindow = time.Hour
	nearbySurplusScale   = 0.4
	neutralFactor        = 0.5
)

// InventoryFactor maps an inventory level to its surplus contribution.
// Unknown levels are neutral.
func InventoryFactor(l domain.Level) float64 {
	switch l {
	case domain.LevelLow:
		return 0.2
	case domain.LevelMedium:
		return 0.5
	case domain.LevelHigh:
		return 0.8
	default:
		return neutralFactor
	}
}

// DemandTable holds the demand scores of a whole catalog, computed once per
// tick from a single ledger view.
type DemandTable struct {
	relative map[string]float64
	absolute map[string]float64
}

// NewDemandTable scores every id in catalog. Relative scores use the view's
// configured window; absolute scores use a fixed one hour window.
func NewDemandTable(view ledger.View, catalog []string, now time.Time) DemandTable {
	rel := view.DemandScores(catalog, view.Window(), now)
	abs := rel
	if view.Window() != absoluteDemandWindow {
		abs = view.DemandScores(catalog, absoluteDemandWindow, now)
	}
	norm := make(map[string]float64, len(rel))
	for id := range rel {
		norm[id] = ledger.Normalize(rel, id)
	}
	return DemandTable{relative: norm, absolute: abs}
}

// Demand returns 0.7*relative + 0.3*absolute for id, clamped to [0,1].
// Ids outside the table score as relatively neutral with no recent demand.
func (t DemandTable) Demand(id string) float64 {
	rel, ok := t.relative[id]
	if !ok {
		rel = neutralFactor
	}
	return clamp01(relativeDemandWeight*rel + (1-relativeDemandWeight)*t.absolute[id])
}

// Inputs is the per-tick state shared by every listing's factor
// computation.
type Inputs struct {
	Demand  DemandTable
	Sellers map[string]domain.Seller
}

// DegradeFunc is told when a factor had to fall back to neutral.
type DegradeFunc func(factor string)

// Calculator computes pricing factors. It holds no per-listing state; the
// only thing it caches is parsed time zones.
type Calculator struct {
	cfg       Config
	logger    *slog.Logger
	onDegrade DegradeFunc

	locs sync.Map // string -> *time.Location
}

// NewCalculator returns a Calculator using cfg's horizons and nearby
// surplus default.
func NewCalculator(cfg Config, logger *slog.Logger) *Calculator {
	return &Calculator{
		cfg:    cfg.normalized(),
		logger: logger.With(slog.String("component", "factor_calculator")),
	}
}

// OnDegrade registers fn to be called for every neutral fallback.
func (c *Calculator) OnDegrade(fn DegradeFunc) { c.onDegrade = fn }

// Compute returns the four factors for l at now. It never fails: a factor
// that cannot be resolved degrades to 0.5 and is logged.
func (c *Calculator) Compute(l domain.Listing, in Inputs, now time.Time) domain.Factors {
	f := domain.Factors{
		Demand:        in.Demand.Demand(l.ID),
		Surplus:       neutralFactor,
		TimeToClosing: neutralFactor,
		TimeToExpiry:  neutralFactor,
	}

	seller, ok := in.Sellers[l.SellerID]
	if !ok {
		c.degrade("surplus", l, fmt.Errorf("seller %q unknown", l.SellerID))
		c.degrade("time_to_closing", l, fmt.Errorf("seller %q unknown", l.SellerID))
	} else {
		f.Surplus = c.surplus(seller, in.Sellers)
		ttc, err := c.timeToClosing(seller, now)
		if err != nil {
			c.degrade("time_to_closing", l, err)
		} else {
			f.TimeToClosing = ttc
		}
	}

	if l.ExpiryAt.IsZero() {
		c.degrade("time_to_expiry", l, fmt.Errorf("no expiry set"))
	} else {
		f.TimeToExpiry = TimeToExpiry(l.ExpiryAt, now, c.cfg.ExpiryHorizon)
	}
	return f
}

func (c *Calculator) degrade(factor string, l domain.Listing, err error) {
	c.logger.Warn("factor degraded to neutral",
		slog.String("factor", factor),
		slog.String("listing_id", l.ID),
		slog.String("error", err.Error()),
	)
	if c.onDegrade != nil {
		c.onDegrade(factor)
	}
}

func (c *Calculator) surplus(s domain.Seller, sellers map[string]domain.Seller) float64 {
	return clamp01((InventoryFactor(s.InventoryLevel) + c.nearbySurplus(s, sellers)) / 2)
}

// nearbySurplus estimates neighbouring surplus as 0.4 times the mean
// inventory factor of the seller's known neighbours.
func (c *Calculator) nearbySurplus(s domain.Seller, sellers map[string]domain.Seller) float64 {
	var sum float64
	var n int
	for _, id := range s.NearbySellerIDs {
		if id == s.ID {
			continue
		}
		nb, ok := sellers[id]
		if !ok {
			continue
		}
		sum += InventoryFactor(nb.InventoryLevel)
		n++
	}
	if n == 0 {
		return c.cfg.DefaultNearbySurplus
	}
	return nearbySurplusScale * sum / float64(n)
}

func (c *Calculator) timeToClosing(s domain.Seller, now time.Time) (float64, error) {
	loc, err := c.location(s.Timezone)
	if err != nil {
		return 0, err
	}
	until, err := UntilClosing(s.ClosingTime, loc, now)
	if err != nil {
		return 0, err
	}
	return clamp01(1 - until.Hours()/c.cfg.ClosingHorizon.Hours()), nil
}

func (c *Calculator) location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	if v, ok := c.locs.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	c.locs.Store(name, loc)
	return loc, nil
}

// UntilClosing returns the duration from now to the next occurrence of the
// "HH:MM" closing time in loc. A closing time already passed today rolls
// over to tomorrow.
func UntilClosing(closing string, loc *time.Location, now time.Time) (time.Duration, error) {
	tod, err := time.Parse("15:04", closing)
	if err != nil {
		return 0, fmt.Errorf("parse closing time %q: %w", closing, err)
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
	if at.Before(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, tod.Hour(), tod.Minute(), 0, 0, loc)
	}
	return at.Sub(local), nil
}

// TimeToExpiry is clamp(1 - hoursUntilExpiry/horizon, 0, 1). Expired items
// score 1.
func TimeToExpiry(expiry, now time.Time, horizon time.Duration) float64 {
	return clamp01(1 - expiry.Sub(now).Hours()/horizon.Hours())
}
