package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "inventory:balance:version"

// BalanceCache keeps balance reads off the database between postings. A
// global version number is baked into every key; posting bumps the version,
// so stale entries are simply never read again and expire via TTL.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewBalanceCache instantiates the cache helper. A nil client disables
// caching and every read falls through to the loader.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *BalanceCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Balance loads one balance through the cache. Concurrent misses for the same
// product collapse into a single loader call.
func (c *BalanceCache) Balance(ctx context.Context, productID string, loader func(context.Context) (Balance, error)) (Balance, error) {
	if loader == nil {
		return Balance{}, errors.New("inventory: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return loader(ctx)
	}
	key := fmt.Sprintf("inventory:balance:%s:%d", productID, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var b Balance
		if err := json.Unmarshal(payload, &b); err == nil {
			return b, nil
		}
	} else if err != redis.Nil {
		return loader(ctx)
	}

	resultChan := c.group.DoChan(key, func() (interface{}, error) {
		b, err := loader(ctx)
		if err != nil {
			return Balance{}, err
		}
		if raw, err := json.Marshal(b); err == nil {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return b, nil
	})
	select {
	case <-ctx.Done():
		return Balance{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Balance{}, res.Err
		}
		return res.Val.(Balance), nil
	}
}

// Bump invalidates all cached balances by incrementing the global version.
func (c *BalanceCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
