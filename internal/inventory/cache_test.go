package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBalanceCache(client, time.Minute), mr
}

func TestBalanceCacheServesFromCache(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (Balance, error) {
		loads++
		return Balance{ProductID: "PRD-1", OnHand: 12, UnitCost: decimal.Zero}, nil
	}

	b, err := cache.Balance(ctx, "PRD-1", loader)
	require.NoError(t, err)
	require.Equal(t, int64(12), b.OnHand)
	require.Equal(t, 1, loads)

	b, err = cache.Balance(ctx, "PRD-1", loader)
	require.NoError(t, err)
	require.Equal(t, int64(12), b.OnHand)
	require.Equal(t, 1, loads)
}

func TestBalanceCacheBumpInvalidates(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	onHand := int64(5)
	loads := 0
	loader := func(ctx context.Context) (Balance, error) {
		loads++
		return Balance{ProductID: "PRD-1", OnHand: onHand, UnitCost: decimal.Zero}, nil
	}

	b, err := cache.Balance(ctx, "PRD-1", loader)
	require.NoError(t, err)
	require.Equal(t, int64(5), b.OnHand)

	onHand = 9
	require.NoError(t, cache.Bump(ctx))

	b, err = cache.Balance(ctx, "PRD-1", loader)
	require.NoError(t, err)
	require.Equal(t, int64(9), b.OnHand)
	require.Equal(t, 2, loads)
}

func TestBalanceCacheFallsThroughWhenRedisDown(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	b, err := cache.Balance(context.Background(), "PRD-1", func(ctx context.Context) (Balance, error) {
		return Balance{ProductID: "PRD-1", OnHand: 3, UnitCost: decimal.Zero}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), b.OnHand)
}

func TestBalanceCacheNilClient(t *testing.T) {
	cache := NewBalanceCache(nil, time.Minute)
	ctx := context.Background()

	b, err := cache.Balance(ctx, "PRD-1", func(ctx context.Context) (Balance, error) {
		return Balance{ProductID: "PRD-1", OnHand: 1, UnitCost: decimal.Zero}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), b.OnHand)
	require.NoError(t, cache.Bump(ctx))

	var disabled *BalanceCache
	require.NoError(t, disabled.Bump(ctx))
}
