package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// HeuristicAnalyzer recommends a base price and expiry from the draft's
// category and freshness score without calling an external model.
type HeuristicAnalyzer struct {
	now func() time.Time
}

// NewHeuristicAnalyzer returns a HeuristicAnalyzer using the wall clock
// when a draft has no preparation time.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{now: time.Now}
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"Main Course", []string{"pizza", "burger", "pasta", "rice", "chicken", "beef", "fish", "sandwich", "wrap"}},
	{"Appetizer", []string{"salad", "soup", "dip", "bruschetta", "wings", "fries"}},
	{"Dessert", []string{"cake", "pie", "cookie", "ice cream", "pudding", "tart", "muffin"}},
	{"Bakery", []string{"bread", "croissant", "bagel", "donut", "pastry", "roll"}},
	{"Beverage", []string{"juice", "smoothie", "coffee", "tea", "soda", "water"}},
	{"Snack", []string{"chips", "nuts", "crackers", "popcorn", "granola"}},
}

var shelfLife = map[string]time.Duration{
	"Main Course": 4 * time.Hour,
	"Appetizer":   4 * time.Hour,
	"Dessert":     12 * time.Hour,
	"Bakery":      24 * time.Hour,
	"Beverage":    24 * time.Hour,
	"Snack":       72 * time.Hour,
}

const defaultShelfLife = 4 * time.Hour

// Categorize maps a listing name onto a category by keyword.
func Categorize(name string) string {
	lower := strings.ToLower(name)
	for _, c := range categoryKeywords {
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				return c.category
			}
		}
	}
	return "Food"
}

// FreshnessDiscount returns the percentage taken off the original price
// for a 1-10 freshness score.
func FreshnessDiscount(score int) int64 {
	switch {
	case score >= 9:
		return 0
	case score >= 7:
		return 10
	case score >= 5:
		return 25
	case score >= 3:
		return 40
	default:
		return 60
	}
}

// Analyze implements domain.ListingAnalyzer.
func (a *HeuristicAnalyzer) Analyze(_ context.Context, d domain.ListingDraft) (domain.ListingAnalysis, error) {
	if !d.OriginalPrice.IsPositive() {
		return domain.ListingAnalysis{}, &domain.ValidationError{Field: "original_price", Reason: "must be positive"}
	}
	category := d.Category
	if category == "" {
		category = Categorize(d.Name)
	}
	score := d.FreshnessScore
	if score == 0 {
		score = 5
	}
	score = max(1, min(10, score))

	discount := FreshnessDiscount(score)
	base := d.OriginalPrice.
		Mul(decimal.NewFromInt(100 - discount)).
		Div(decimal.NewFromInt(100)).
		Round(2)

	prepared := d.PreparedAt
	if prepared.IsZero() {
		prepared = a.now()
	}
	life, ok := shelfLife[category]
	if !ok {
		life = defaultShelfLife
	}

	return domain.ListingAnalysis{
		BasePrice: base,
		ExpiryAt:  prepared.Add(life),
		Category:  category,
		Notes:     fmt.Sprintf("freshness %d/10, %d%% off original", score, discount),
	}, nil
}

var _ domain.ListingAnalyzer = (*HeuristicAnalyzer)(nil)
