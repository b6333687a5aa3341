package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// InventorySink accepts seller inventory changes.
type InventorySink interface {
	SetInventoryLevel(ctx context.Context, sellerID string, level domain.Level) error
}

// inventoryEvent is the JSON shape published to "inventory" by seller apps.
type inventoryEvent struct {
	Event          string `json:"event"`
	SellerID       string `json:"seller_id"`
	InventoryLevel string `json:"inventory_level"`
}

// InventoryFeeder subscribes to the "inventory" Redis channel and forwards
// seller inventory level changes to the pricing engine.
type InventoryFeeder struct {
	signals domain.SignalBus
	sink    InventorySink
	logger  *slog.Logger
}

// NewInventoryFeeder creates an InventoryFeeder.
func NewInventoryFeeder(signals domain.SignalBus, sink InventorySink, logger *slog.Logger) *InventoryFeeder {
	return &InventoryFeeder{
		signals: signals,
		sink:    sink,
		logger:  logger.With(slog.String("component", "inventory_feeder")),
	}
}

// Run subscribes to "inventory" and applies each message until ctx is
// cancelled or the subscription closes.
func (f *InventoryFeeder) Run(ctx context.Context) error {
	ch, err := f.signals.Subscribe(ctx, domain.ChannelInventory)
	if err != nil {
		return err
	}
	f.logger.Info("inventory feeder started")
	defer f.logger.Info("inventory feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Warn("inventory message rejected",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *InventoryFeeder) handleMessage(ctx context.Context, data []byte) error {
	var ev inventoryEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if ev.Event != "" && ev.Event != "inventory_level" {
		return nil
	}
	sellerID := strings.TrimSpace(ev.SellerID)
	if sellerID == "" {
		return &domain.ValidationError{Field: "seller_id", Reason: "must not be empty"}
	}
	level := domain.Level(strings.ToLower(strings.TrimSpace(ev.InventoryLevel)))
	return f.sink.SetInventoryLevel(ctx, sellerID, level)
}
