package pricing

import (
	"math"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Volatility returns the coefficient of variation (population standard
// deviation over mean) of the prices in history. Histories with fewer than
// two points, or a zero mean, have zero volatility.
func Volatility(history []domain.PricePoint) float64 {
	if len(history) < 2 {
		return 0
	}
	prices := make([]float64, len(history))
	var sum float64
	for i, p := range history {
		prices[i] = p.Price.InexactFloat64()
		sum += prices[i]
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, p := range prices {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(prices))
	return math.Sqrt(variance) / mean
}

// Trend classifies the direction of the last few points of history.
type Trend string

const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendVolatile   Trend = "volatile"
)

// PriceTrend inspects up to the last five points of history. Strictly
// non-decreasing or non-increasing runs with at least one change are
// increasing or decreasing; flat runs are stable.
func PriceTrend(history []domain.PricePoint) Trend {
	if len(history) < 2 {
		return TrendStable
	}
	recent := history[max(0, len(history)-5):]
	up, down := false, false
	for i := 1; i < len(recent); i++ {
		switch recent[i].Price.Cmp(recent[i-1].Price) {
		case 1:
			up = true
		case -1:
			down = true
		}
	}
	switch {
	case up && down:
		return TrendVolatile
	case up:
		return TrendIncreasing
	case down:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
