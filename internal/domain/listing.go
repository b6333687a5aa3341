package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is a coarse three-step classification used for demand, surplus and
// seller inventory.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh:
		return true
	}
	return false
}

// LevelOf classifies a normalized score: < 0.3 low, < 0.7 medium, else high.
func LevelOf(score float64) Level {
	switch {
	case score < 0.3:
		return LevelLow
	case score < 0.7:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Factors are the four normalized pricing inputs, each in [0,1].
type Factors struct {
	Demand        float64 `json:"demand"`
	Surplus       float64 `json:"surplus"`
	TimeToClosing float64 `json:"time_to_closing"`
	TimeToExpiry  float64 `json:"time_to_expiry"`
}

// PricePoint is one entry of a listing's price history. It is created once
// per recompute and never mutated.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Factors   Factors         `json:"factors"`
}

// Listing is a sellable perishable item whose current price is recomputed by
// the pricing engine.
type Listing struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"seller_id"`
	Name              string          `json:"name"`
	Category          string          `json:"category"`
	BasePrice         decimal.Decimal `json:"base_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	PriceHistory      []PricePoint    `json:"price_history"`
	DemandLevel       Level           `json:"demand_level"`
	SurplusLevel      Level           `json:"surplus_level"`
	UrgencyMultiplier float64         `json:"urgency_multiplier"`
	ExpiryAt          time.Time       `json:"expiry_at"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// Clone returns a copy of l that shares no mutable state with it.
func (l Listing) Clone() Listing {
	out := l
	if l.PriceHistory != nil {
		out.PriceHistory = make([]PricePoint, len(l.PriceHistory))
		copy(out.PriceHistory, l.PriceHistory)
	}
	return out
}

// Seller is the shop offering listings. ClosingTime is a wall-clock time of
// day ("HH:MM") interpreted in Timezone (an IANA name, empty means UTC).
type Seller struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	ClosingTime     string   `json:"closing_time"`
	Timezone        string   `json:"timezone"`
	InventoryLevel  Level    `json:"inventory_level"`
	NearbySellerIDs []string `json:"nearby_seller_ids"`
}

// Clone returns a copy of s with its own neighbour slice.
func (s Seller) Clone() Seller {
	out := s
	if s.NearbySellerIDs != nil {
		out.NearbySellerIDs = append([]string(nil), s.NearbySellerIDs...)
	}
	return out
}

// ListingDraft is what a seller submits when publishing a new listing. Base
// price and expiry are filled in by a ListingAnalyzer.
type ListingDraft struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"seller_id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	PreparedAt    time.Time       `json:"prepared_at"`
	PhotoURL      string          `json:"photo_url,omitempty"`
	// FreshnessScore is a 1-10 assessment of the food's condition; 0 means
	// not assessed.
	FreshnessScore int `json:"freshness_score,omitempty"`
}

// ListingAnalysis is the recommendation produced for a draft.
type ListingAnalysis struct {
	BasePrice decimal.Decimal `json:"base_price"`
	ExpiryAt  time.Time       `json:"expiry_at"`
	Category  string          `json:"category"`
	Notes     string          `json:"notes,omitempty"`
}
