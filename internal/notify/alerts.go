package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

const alertQueueSize = 64

type alert struct {
	event, title, message string
}

// Alerts queues operator alerts and delivers them from its own goroutine,
// so the pricing tick and the checkout path never wait on a webhook. When
// the queue is full new alerts are dropped and logged.
type Alerts struct {
	notifier *Notifier
	queue    chan alert
	logger   *slog.Logger

	minMultiplier decimal.Decimal
	maxMultiplier decimal.Decimal
	places        int32

	mu    sync.Mutex
	bound map[string]string // listing id -> event of the bound it sits on
}

// NewAlerts watches for listings priced at minMultiplier or maxMultiplier
// times their base price, rounded to places decimals.
func NewAlerts(n *Notifier, minMultiplier, maxMultiplier float64, places int32, logger *slog.Logger) *Alerts {
	return &Alerts{
		notifier:      n,
		queue:         make(chan alert, alertQueueSize),
		logger:        logger.With(slog.String("component", "alerts")),
		minMultiplier: decimal.NewFromFloat(minMultiplier),
		maxMultiplier: decimal.NewFromFloat(maxMultiplier),
		places:        places,
		bound:         make(map[string]string),
	}
}

// HandleSnapshot is a bus subscriber. It alerts once when a listing reaches
// a multiplier bound and again only after it has left and come back.
func (a *Alerts) HandleSnapshot(_ context.Context, snap *domain.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool, len(snap.Listings))
	for _, l := range snap.Listings {
		seen[l.ID] = true
		event := a.boundOf(l)
		prev := a.bound[l.ID]
		if event == "" {
			delete(a.bound, l.ID)
			continue
		}
		a.bound[l.ID] = event
		if prev == event {
			continue
		}
		title := "Price floor reached"
		if event == EventPriceCeiling {
			title = "Price ceiling reached"
		}
		a.enqueue(alert{
			event: event,
			title: title,
			message: fmt.Sprintf("%s (%s) at %s, base %s, demand %s, surplus %s",
				l.Name, l.ID, l.CurrentPrice.StringFixed(2), l.BasePrice.StringFixed(2),
				l.DemandLevel, l.SurplusLevel),
		})
	}
	for id := range a.bound {
		if !seen[id] {
			delete(a.bound, id)
		}
	}
	return nil
}

// boundOf reports which multiplier bound l's price sits on, if any.
func (a *Alerts) boundOf(l domain.Listing) string {
	if !l.BasePrice.IsPositive() {
		return ""
	}
	floor := l.BasePrice.Mul(a.minMultiplier).Round(a.places)
	ceiling := l.BasePrice.Mul(a.maxMultiplier).Round(a.places)
	switch {
	case l.CurrentPrice.LessThanOrEqual(floor):
		return EventPriceFloor
	case l.CurrentPrice.GreaterThanOrEqual(ceiling):
		return EventPriceCeiling
	}
	return ""
}

// CheckoutFailed queues an alert for a transaction that could not be
// persisted.
func (a *Alerts) CheckoutFailed(_ context.Context, tx domain.Transaction, cause error) {
	a.enqueue(alert{
		event:   EventCheckoutFail,
		title:   "Checkout failed",
		message: fmt.Sprintf("transaction %s (%d lines, %s): %v", tx.ID, len(tx.Lines), tx.TotalAmount.StringFixed(2), cause),
	})
}

func (a *Alerts) enqueue(al alert) {
	select {
	case a.queue <- al:
	default:
		a.logger.Warn("alert queue full, dropping alert", slog.String("event", al.event))
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (a *Alerts) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case al := <-a.queue:
			// Delivery errors are logged by the notifier.
			_ = a.notifier.Notify(ctx, al.event, al.title, al.message)
		}
	}
}
