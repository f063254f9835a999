package blockcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

func defaultTestConfig() Config {
	return Config{
		BlockTTL:       60 * time.Second,
		LatestBlockTTL: 5 * time.Second,
		KeyPrefix:      "oz_cache",
	}
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := New("redis://"+mr.Addr(), defaultTestConfig(), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return c, mr
}

func TestNewFailsWithoutRedis(t *testing.T) {
	_, err := New("redis://127.0.0.1:1", defaultTestConfig(), log.NewNopLogger())
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := defaultTestConfig()
	cfg.KeyPrefix = ""
	_, err := New("redis://"+mr.Addr(), cfg, log.NewNopLogger())
	require.Error(t, err)
}

func TestBlocksRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	end := uint64(101)
	blocks := []model.Block{
		{Height: 100, Hash: "0xaa"},
		{Height: 101, Hash: "0xbb"},
	}

	_, ok := c.Blocks(ctx, "ethereum", 100, &end)
	assert.False(t, ok)

	c.StoreBlocks(ctx, "ethereum", 100, &end, blocks)

	got, ok := c.Blocks(ctx, "ethereum", 100, &end)
	require.True(t, ok)
	assert.Equal(t, blocks, got)

	// stable, interoperable key shape
	assert.True(t, mr.Exists("oz_cache:blocks:ethereum:100:101"))
}

func TestBlocksKeyWithoutEnd(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.StoreBlocks(ctx, "ethereum", 100, nil, []model.Block{{Height: 100}})
	assert.True(t, mr.Exists("oz_cache:blocks:ethereum:100:-"))
}

func TestLatestBlockRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok := c.LatestBlock(ctx, "stellar")
	assert.False(t, ok)

	c.StoreLatestBlock(ctx, "stellar", 42)

	got, ok := c.LatestBlock(ctx, "stellar")
	require.True(t, ok)
	assert.Equal(t, uint64(42), got)
	assert.True(t, mr.Exists("oz_cache:latest:stellar"))
}

func TestLatestBlockExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.StoreLatestBlock(ctx, "ethereum", 7)
	mr.FastForward(6 * time.Second)

	_, ok := c.LatestBlock(ctx, "ethereum")
	assert.False(t, ok)
}

func TestGetDegradesToMissWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.StoreLatestBlock(ctx, "ethereum", 7)
	mr.Close()

	// reads never surface transport errors to the caller
	_, ok := c.LatestBlock(ctx, "ethereum")
	assert.False(t, ok)

	_, ok = c.Blocks(ctx, "ethereum", 1, nil)
	assert.False(t, ok)

	// writes are swallowed
	c.StoreLatestBlock(ctx, "ethereum", 8)
	c.StoreBlocks(ctx, "ethereum", 1, nil, []model.Block{{Height: 1}})
}

func TestUndecodableCachedValueIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("oz_cache:blocks:ethereum:5:-", "not json"))

	_, ok := c.Blocks(ctx, "ethereum", 5, nil)
	assert.False(t, ok)
}
