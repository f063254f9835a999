package chain

import (
	"context"

	"github.com/oz-monitor/orchestrator/pkg/blockcache"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

// cachedClient decorates a Client with the shared block cache. Latest block
// numbers and block ranges are served from Redis when present; misses fall
// through to the inner client and are written back. Contract specs bypass the
// cache, their consumers memoize locally.
type cachedClient struct {
	inner Client
	cache *blockcache.Cache
	slug  string
}

// WithCache wraps client with read-through caching for the given network. A
// nil cache returns the client unchanged.
func WithCache(client Client, cache *blockcache.Cache, slug string) Client {
	if cache == nil {
		return client
	}
	return &cachedClient{inner: client, cache: cache, slug: slug}
}

func (c *cachedClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if number, ok := c.cache.LatestBlock(ctx, c.slug); ok {
		return number, nil
	}

	number, err := c.inner.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	c.cache.StoreLatestBlock(ctx, c.slug, number)
	return number, nil
}

func (c *cachedClient) Blocks(ctx context.Context, start uint64, end *uint64) ([]model.Block, error) {
	if blocks, ok := c.cache.Blocks(ctx, c.slug, start, end); ok {
		return blocks, nil
	}

	blocks, err := c.inner.Blocks(ctx, start, end)
	if err != nil {
		return nil, err
	}
	c.cache.StoreBlocks(ctx, c.slug, start, end, blocks)
	return blocks, nil
}

func (c *cachedClient) ContractSpec(ctx context.Context, contractID string) ([]byte, error) {
	return c.inner.ContractSpec(ctx, contractID)
}

func (c *cachedClient) Close() {
	c.inner.Close()
}
