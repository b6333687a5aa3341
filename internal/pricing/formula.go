// Package pricing computes listing prices from demand, surplus and urgency
// factors and runs the single-writer engine that publishes catalog
// snapshots.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Config holds the pricing parameters.
type Config struct {
	TickInterval    time.Duration
	HistoryCapacity int

	MinMultiplier float64
	MaxMultiplier float64
	DemandWeight  float64
	SurplusWeight float64
	UrgencyWeight float64

	ClosingHorizon time.Duration
	ExpiryHorizon  time.Duration

	// CurrencyDecimals is the number of decimal places of the smallest
	// currency unit.
	CurrencyDecimals int32

	// DefaultNearbySurplus is used when a seller has no known neighbours.
	DefaultNearbySurplus float64
}

// DefaultConfig returns the production pricing parameters.
func DefaultConfig() Config {
	return Config{
		TickInterval:         10 * time.Second,
		HistoryCapacity:      50,
		MinMultiplier:        0.5,
		MaxMultiplier:        2.0,
		DemandWeight:         0.3,
		SurplusWeight:        0.3,
		UrgencyWeight:        0.1,
		ClosingHorizon:       12 * time.Hour,
		ExpiryHorizon:        24 * time.Hour,
		CurrencyDecimals:     2,
		DefaultNearbySurplus: 0.2,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = d.HistoryCapacity
	}
	if c.MinMultiplier <= 0 || c.MaxMultiplier < c.MinMultiplier {
		c.MinMultiplier, c.MaxMultiplier = d.MinMultiplier, d.MaxMultiplier
	}
	if c.ClosingHorizon <= 0 {
		c.ClosingHorizon = d.ClosingHorizon
	}
	if c.ExpiryHorizon <= 0 {
		c.ExpiryHorizon = d.ExpiryHorizon
	}
	if c.CurrencyDecimals < 0 {
		c.CurrencyDecimals = d.CurrencyDecimals
	}
	return c
}

// Multiplier combines the four factors into a price multiplier clamped to
// [MinMultiplier, MaxMultiplier]:
//
//	1 + (demand-0.5)*wd - surplus*ws + (timeToClosing+timeToExpiry)*wu
func (c Config) Multiplier(f domain.Factors) float64 {
	m := 1 +
		(f.Demand-0.5)*c.DemandWeight -
		f.Surplus*c.SurplusWeight +
		(f.TimeToClosing+f.TimeToExpiry)*c.UrgencyWeight
	return clamp(m, c.MinMultiplier, c.MaxMultiplier)
}

// Price applies multiplier m to base and rounds to the smallest currency
// unit.
func (c Config) Price(base decimal.Decimal, m float64) decimal.Decimal {
	return base.Mul(decimal.NewFromFloat(m)).Round(c.CurrencyDecimals)
}

// Urgency is the mean of the two time factors.
func Urgency(f domain.Factors) float64 {
	return (f.TimeToClosing + f.TimeToExpiry) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }
