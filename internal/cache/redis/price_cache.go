package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

const catalogVersionKey = "catalog:version"

// PriceCache implements domain.PriceCache using Redis hashes. Each
// listing's price lives at "price:{listingID}" with fields "price", "ts"
// (Unix nanoseconds) and "version"; the latest snapshot version is kept at
// "catalog:version".
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(listingID string) string {
	return "price:" + listingID
}

// SetPrices writes every price of one snapshot in a MULTI/EXEC block so
// readers never see prices from two snapshots under the same version.
func (pc *PriceCache) SetPrices(ctx context.Context, version uint64, prices map[string]decimal.Decimal, ts time.Time) error {
	v := strconv.FormatUint(version, 10)
	t := strconv.FormatInt(ts.UnixNano(), 10)
	_, err := pc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, p := range prices {
			pipe.HSet(ctx, priceKey(id), map[string]any{
				"price":   p.String(),
				"ts":      t,
				"version": v,
			})
		}
		pipe.Set(ctx, catalogVersionKey, v, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set prices v%d: %w", version, err)
	}
	return nil
}

// Version returns the snapshot version of the most recent SetPrices, or 0
// if none has been written.
func (pc *PriceCache) Version(ctx context.Context) (uint64, error) {
	s, err := pc.rdb.Get(ctx, catalogVersionKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get catalog version: %w", err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse catalog version: %w", err)
	}
	return v, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
