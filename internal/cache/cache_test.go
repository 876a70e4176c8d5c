package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return NewRedisCache(rdb, "teo:test:"), mr, cleanup
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "teo", tokenInfo{Symbol: "TEO", Decimals: 18}, time.Minute))

	var got tokenInfo
	require.NoError(t, c.Get(ctx, "teo", &got))
	assert.Equal(t, "TEO", got.Symbol)
	assert.Equal(t, uint8(18), got.Decimals)

	require.NoError(t, c.Delete(ctx, "teo"))
	assert.ErrorIs(t, c.Get(ctx, "teo", &got), ErrCacheMiss)
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	var got int
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestRedisCache_SetGetExpire(t *testing.T) {
	c, mr, cleanup := setupRedisCache(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "teo", tokenInfo{Symbol: "TEO", Decimals: 18}, 30*time.Second))
	assert.True(t, mr.Exists("teo:test:teo"))

	var got tokenInfo
	require.NoError(t, c.Get(ctx, "teo", &got))
	assert.Equal(t, "TEO", got.Symbol)

	mr.FastForward(31 * time.Second)
	assert.ErrorIs(t, c.Get(ctx, "teo", &got), ErrCacheMiss)
}

func TestGetOrLoad(t *testing.T) {
	c, mr, cleanup := setupRedisCache(t)
	defer cleanup()
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (tokenInfo, error) {
		calls++
		return tokenInfo{Symbol: "TEO", Decimals: 18}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetOrLoad(ctx, c, "info", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, "TEO", v.Symbol)
	}
	assert.Equal(t, 1, calls)

	mr.FastForward(2 * time.Minute)
	_, err := GetOrLoad(ctx, c, "info", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrLoad_LoadError(t *testing.T) {
	boom := errors.New("rpc down")
	_, err := GetOrLoad(context.Background(), NewMemoryCache(time.Minute, 0), "k", time.Minute,
		func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestGetOrLoad_NilCache(t *testing.T) {
	v, err := GetOrLoad(context.Background(), nil, "k", time.Minute,
		func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
