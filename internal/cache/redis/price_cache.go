package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// PriceCache reads quotes that an external feeder writes as hashes at
// "price:{instrument}" with fields "price" and "ts" (Unix nanoseconds). It
// implements domain.PriceSource.
type PriceCache struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceCache creates a PriceCache. Quotes older than maxAge are treated as
// unavailable; a non-positive maxAge accepts any age.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), maxAge: maxAge, now: time.Now}
}

func priceKey(instrument string) string {
	return "price:" + instrument
}

// SetPrice stores a quote. Feeders and tests use it; the engine only reads.
func (pc *PriceCache) SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error {
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}

// CurrentPrice returns the cached quote for instrument. Missing, malformed
// and stale quotes wrap domain.ErrPriceUnavailable.
func (pc *PriceCache) CurrentPrice(ctx context.Context, instrument string) (float64, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(instrument)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: get price %s: %w: %w", instrument, domain.ErrPriceUnavailable, err)
	}
	price, err := parseQuote(vals, pc.now(), pc.maxAge)
	if err != nil {
		return 0, fmt.Errorf("redis: price %s: %w", instrument, err)
	}
	return price, nil
}

// parseQuote validates a cached price hash.
func parseQuote(vals map[string]string, now time.Time, maxAge time.Duration) (float64, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: bad price %q", domain.ErrPriceUnavailable, priceStr)
	}
	if maxAge <= 0 {
		return price, nil
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: missing timestamp", domain.ErrPriceUnavailable)
	}
	if age := now.Sub(time.Unix(0, tsNano)); age > maxAge {
		return 0, fmt.Errorf("%w: stale by %s", domain.ErrPriceUnavailable, age.Round(time.Second))
	}
	return price, nil
}

var _ domain.PriceSource = (*PriceCache)(nil)
