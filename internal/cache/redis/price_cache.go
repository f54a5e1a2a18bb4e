package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per mint holding
// "price" and "ts" (Unix nanoseconds). Entries expire after ttl.
type PriceCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, rdb: c.Underlying(), ttl: ttl}
}

// SetPrice stores the latest price and timestamp for mint.
func (pc *PriceCache) SetPrice(ctx context.Context, mint string, price float64, ts time.Time) error {
	key := pc.c.Key("price", mint)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.PExpire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", mint, err)
	}
	return nil
}

// GetPrice returns the cached price for mint, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, mint string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.c.Key("price", mint)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", mint, err)
	}
	price, ts, err := decodePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", mint, err)
	}
	return price, ts, nil
}

func decodePrice(vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, nanos), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
