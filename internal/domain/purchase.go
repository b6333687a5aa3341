package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseRecord is one purchased line as stored in the ledger. Records are
// append-only.
type PurchaseRecord struct {
	ListingID string          `json:"listing_id"`
	SellerID  string          `json:"seller_id"`
	Quantity  int             `json:"quantity"`
	PricePaid decimal.Decimal `json:"price_paid"`
	Timestamp time.Time       `json:"timestamp"`
}

// PopularItem aggregates all-time purchases of a listing.
type PopularItem struct {
	ListingID     string `json:"listing_id"`
	PurchaseCount int    `json:"purchase_count"`
	TotalQuantity int    `json:"total_quantity"`
}

// TransactionStatus is the terminal state of a checkout.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// CheckoutLine is a requested cart line.
type CheckoutLine struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
}

// TransactionLine is a committed cart line priced at commit time.
type TransactionLine struct {
	ListingID string          `json:"listing_id"`
	SellerID  string          `json:"seller_id"`
	Quantity  int             `json:"quantity"`
	PricePaid decimal.Decimal `json:"price_paid"`
}

// Subtotal returns PricePaid * Quantity.
func (l TransactionLine) Subtotal() decimal.Decimal {
	return l.PricePaid.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Transaction is a committed checkout. It is never mutated after commit.
type Transaction struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Lines       []TransactionLine `json:"lines"`
	BuyerID     string            `json:"buyer_id,omitempty"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Status      TransactionStatus `json:"status"`
}

// Records expands the transaction into one ledger record per line.
func (t Transaction) Records() []PurchaseRecord {
	out := make([]PurchaseRecord, 0, len(t.Lines))
	for _, l := range t.Lines {
		out = append(out, PurchaseRecord{
			ListingID: l.ListingID,
			SellerID:  l.SellerID,
			Quantity:  l.Quantity,
			PricePaid: l.PricePaid,
			Timestamp: t.Timestamp,
		})
	}
	return out
}
