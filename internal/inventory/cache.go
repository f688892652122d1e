package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const stockCachePrefix = "inventory:stock"

// StockCache keeps short-lived snapshots of index quantities in Redis. Committed ledger
// transactions drop the keys they touched; mutations never read from it.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStockCache instantiates the cache helper.
func NewStockCache(client *redis.Client, ttl time.Duration) *StockCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StockCache{client: client, ttl: ttl}
}

// Fetch returns the cached quantity or fills it from loader, one load per key at a time.
func (c *StockCache) Fetch(ctx context.Context, productID, warehouseID int64, loader func(context.Context) (int64, error)) (int64, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := stockCacheKey(productID, warehouseID)
	qty, err := c.client.Get(ctx, key).Int64()
	if err == nil {
		return qty, nil
	}
	if err != redis.Nil {
		return loader(ctx)
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		qty, err := loader(ctx)
		if err != nil {
			return int64(0), err
		}
		_ = c.client.Set(ctx, key, qty, c.ttl).Err()
		return qty, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// StockChanged drops the snapshots of every pair in the committed transaction.
func (c *StockCache) StockChanged(ctx context.Context, events []StockChangedEvent) error {
	if c == nil || c.client == nil || len(events) == 0 {
		return nil
	}
	keys := make([]string, 0, len(events))
	for _, e := range events {
		keys = append(keys, stockCacheKey(e.ProductID, e.WarehouseID))
	}
	return c.client.Del(ctx, keys...).Err()
}

func stockCacheKey(productID, warehouseID int64) string {
	return fmt.Sprintf("%s:%s:%s", stockCachePrefix, strconv.FormatInt(productID, 10), strconv.FormatInt(warehouseID, 10))
}
