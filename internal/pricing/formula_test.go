package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

func TestMultiplierScenario(t *testing.T) {
	cfg := DefaultConfig()
	f := domain.Factors{Demand: 0.8, Surplus: 0.2, TimeToClosing: 0.1, TimeToExpiry: 0.1}

	m := cfg.Multiplier(f)
	assert.InDelta(t, 1.05, m, 1e-9)

	price := cfg.Price(decimal.RequireFromString("10.00"), m)
	assert.True(t, price.Equal(decimal.RequireFromString("10.50")), "got %s", price)
}

func TestMultiplierClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DemandWeight = 10
	assert.Equal(t, 2.0, cfg.Multiplier(domain.Factors{Demand: 1}))
	assert.Equal(t, 0.5, cfg.Multiplier(domain.Factors{Demand: 0, Surplus: 1}))
}

func TestPriceRoundsToCurrencyUnit(t *testing.T) {
	cfg := DefaultConfig()
	p := cfg.Price(decimal.RequireFromString("3.33"), 1.2345)
	assert.Equal(t, "4.11", p.StringFixed(2))
	assert.Equal(t, int32(-2), p.Exponent())
}

func TestPriceBoundInvariant(t *testing.T) {
	cfg := DefaultConfig()
	rapid.Check(t, func(t *rapid.T) {
		cents := rapid.Int64Range(1, 1_000_000).Draw(t, "cents")
		base := decimal.New(cents, -2)
		f := domain.Factors{
			Demand:        rapid.Float64Range(0, 1).Draw(t, "demand"),
			Surplus:       rapid.Float64Range(0, 1).Draw(t, "surplus"),
			TimeToClosing: rapid.Float64Range(0, 1).Draw(t, "ttc"),
			TimeToExpiry:  rapid.Float64Range(0, 1).Draw(t, "tte"),
		}
		p := cfg.Price(base, cfg.Multiplier(f))
		lo := base.Mul(decimal.NewFromFloat(0.5))
		hi := base.Mul(decimal.NewFromInt(2))
		if p.LessThan(lo) || p.GreaterThan(hi) {
			t.Fatalf("price %s outside [%s, %s]", p, lo, hi)
		}
	})
}

func TestVolatility(t *testing.T) {
	pts := func(prices ...string) []domain.PricePoint {
		out := make([]domain.PricePoint, len(prices))
		for i, p := range prices {
			out[i] = domain.PricePoint{Timestamp: time.Unix(int64(i), 0), Price: decimal.RequireFromString(p)}
		}
		return out
	}

	assert.Zero(t, Volatility(nil))
	assert.Zero(t, Volatility(pts("5.00")))
	assert.Zero(t, Volatility(pts("5.00", "5.00", "5.00")))
	// mean 10, population stddev 2
	assert.InDelta(t, 0.2, Volatility(pts("8.00", "12.00")), 1e-9)

	require.Equal(t, TrendStable, PriceTrend(pts("5.00", "5.00")))
	assert.Equal(t, TrendIncreasing, PriceTrend(pts("5.00", "5.00", "6.00")))
	assert.Equal(t, TrendDecreasing, PriceTrend(pts("7.00", "6.00")))
	assert.Equal(t, TrendVolatile, PriceTrend(pts("5.00", "6.00", "5.50")))
	assert.Equal(t, TrendIncreasing, PriceTrend(pts("9.00", "1.00", "2.00", "3.00", "4.00", "5.00")))
}
