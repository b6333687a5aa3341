// Package seed provides the demo catalog and purchase history used when no
// database catalog is configured.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

const demoBuyer = "demo_user"

// DemoSellers returns the four demo shops.
func DemoSellers() []domain.Seller {
	return []domain.Seller{
		{ID: "1", Name: "Green Garden Bistro", ClosingTime: "22:00", InventoryLevel: domain.LevelMedium, NearbySellerIDs: []string{"2", "3"}},
		{ID: "2", Name: "Urban Kitchen", ClosingTime: "23:00", InventoryLevel: domain.LevelHigh, NearbySellerIDs: []string{"1", "4"}},
		{ID: "3", Name: "Artisan Bakery", ClosingTime: "18:00", InventoryLevel: domain.LevelLow, NearbySellerIDs: []string{"1", "4"}},
		{ID: "4", Name: "Fresh Market Cafe", ClosingTime: "21:00", InventoryLevel: domain.LevelMedium, NearbySellerIDs: []string{"2", "3"}},
	}
}

// DemoListings returns the five demo listings with expiries relative to now.
func DemoListings(now time.Time) []domain.Listing {
	item := func(id, seller, name, category, base string, expiresIn time.Duration) domain.Listing {
		return domain.Listing{
			ID:           id,
			SellerID:     seller,
			Name:         name,
			Category:     category,
			BasePrice:    decimal.RequireFromString(base),
			CurrentPrice: decimal.RequireFromString(base),
			DemandLevel:  domain.LevelMedium,
			SurplusLevel: domain.LevelMedium,
			ExpiryAt:     now.Add(expiresIn),
			LastUpdated:  now,
		}
	}
	return []domain.Listing{
		item("1", "1", "Mediterranean Bowl", "Main Course", "9.99", 2*time.Hour),
		item("2", "1", "Grilled Chicken Wrap", "Main Course", "7.99", 90*time.Minute),
		item("3", "2", "Classic Burger", "Main Course", "11.99", 3*time.Hour),
		item("4", "3", "Sourdough Bread", "Bakery", "5.99", 4*time.Hour),
		item("5", "4", "Green Smoothie Bowl", "Breakfast", "7.99", 45*time.Minute),
	}
}

// DemoTransactions returns the purchase history the demo ledger starts
// with, as committed transactions.
func DemoTransactions(now time.Time) []domain.Transaction {
	line := func(listing, seller string, qty int, price string) domain.TransactionLine {
		return domain.TransactionLine{ListingID: listing, SellerID: seller, Quantity: qty, PricePaid: decimal.RequireFromString(price)}
	}
	txs := []domain.Transaction{
		{
			ID:        "demo_1",
			Timestamp: now.Add(-2 * time.Hour),
			Lines:     []domain.TransactionLine{line("1", "1", 2, "9.99")},
		},
		{
			ID:        "demo_2",
			Timestamp: now.Add(-time.Hour),
			Lines:     []domain.TransactionLine{line("2", "1", 1, "7.99"), line("5", "4", 2, "7.99")},
		},
	}
	for i := range txs {
		txs[i].BuyerID = demoBuyer
		txs[i].Status = domain.TransactionCompleted
		for _, l := range txs[i].Lines {
			txs[i].TotalAmount = txs[i].TotalAmount.Add(l.Subtotal())
		}
	}
	return txs
}

// DemoPurchases flattens DemoTransactions into ledger records.
func DemoPurchases(now time.Time) []domain.PurchaseRecord {
	var out []domain.PurchaseRecord
	for _, tx := range DemoTransactions(now) {
		out = append(out, tx.Records()...)
	}
	return out
}

// Store writes the demo catalog and history into the given stores. Either
// store may be nil.
func Store(ctx context.Context, catalog domain.CatalogStore, txs domain.TransactionStore, now time.Time) error {
	if catalog != nil {
		for _, s := range DemoSellers() {
			if err := catalog.UpsertSeller(ctx, s); err != nil {
				return fmt.Errorf("seed: seller %s: %w", s.ID, err)
			}
		}
		for _, l := range DemoListings(now) {
			if err := catalog.UpsertListing(ctx, l); err != nil {
				return fmt.Errorf("seed: listing %s: %w", l.ID, err)
			}
		}
	}
	if txs != nil {
		for _, tx := range DemoTransactions(now) {
			if _, err := txs.GetByID(ctx, tx.ID); err == nil {
				continue
			}
			if err := txs.Commit(ctx, tx); err != nil {
				return fmt.Errorf("seed: transaction %s: %w", tx.ID, err)
			}
		}
	}
	return nil
}
