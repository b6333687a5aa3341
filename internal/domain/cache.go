package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache mirrors the latest published listing prices for readers outside
// the process.
type PriceCache interface {
	SetPrices(ctx context.Context, version uint64, prices map[string]decimal.Decimal, ts time.Time) error
	Version(ctx context.Context) (uint64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lock.
type Lease struct {
	// Lost is closed once the holder can no longer assume it owns the key:
	// another owner took it, or renewal kept failing for a full TTL.
	Lost <-chan struct{}
	// Release stops renewal and frees the key. It may be called more than
	// once.
	Release func()
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Redis channel and stream names shared by publishers and consumers.
const (
	ChannelCatalog     = "catalog"
	ChannelInventory   = "inventory"
	StreamTransactions = "transactions"
)
