// Package blockcache is a TTL'd key-value façade over a remote Redis cache,
// collapsing duplicate upstream block requests across watcher and workers.
// Reads degrade to a miss on any transport error; writes are best-effort. The
// cache never sits on the write path of authoritative state.
package blockcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

var (
	metricCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "blockcache_hits_total",
		Help:      "Total cache hits by value class.",
	}, []string{"class"})
	metricCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "blockcache_misses_total",
		Help:      "Total cache misses by value class.",
	}, []string{"class"})
	metricCacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "blockcache_errors_total",
		Help:      "Total cache transport errors by operation.",
	}, []string{"op"})
	metricCacheRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ozmonitor",
		Name:      "blockcache_request_duration_seconds",
		Help:      "Time spent talking to the remote cache.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"method"})
)

const (
	classBlocks = "blocks"
	classLatest = "latest"
)

// Cache is the shared block cache. All operations are best-effort: a failed
// get is a miss, a failed put is logged and swallowed.
type Cache struct {
	rdb    *redis.Client
	cfg    Config
	logger log.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New connects to Redis and verifies liveness. A failed ping is fatal here;
// everything after construction degrades instead of failing.
func New(redisURL string, cfg Config, logger log.Logger) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block cache config: %w", err)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Cache{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Blocks returns the cached block batch for [start..end], if present.
func (c *Cache) Blocks(ctx context.Context, slug string, start uint64, end *uint64) ([]model.Block, bool) {
	begin := time.Now()
	data, err := c.rdb.Get(ctx, c.blocksKey(slug, start, end)).Bytes()
	metricCacheRequestDuration.WithLabelValues("get_blocks").Observe(time.Since(begin).Seconds())

	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metricCacheErrors.WithLabelValues("get_blocks").Inc()
			level.Debug(c.logger).Log("msg", "block cache read failed, treating as miss", "network", slug, "err", err)
		}
		metricCacheMisses.WithLabelValues(classBlocks).Inc()
		c.misses.Inc()
		return nil, false
	}

	var blocks []model.Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		metricCacheErrors.WithLabelValues("get_blocks").Inc()
		level.Warn(c.logger).Log("msg", "discarding undecodable cached blocks", "network", slug, "err", err)
		metricCacheMisses.WithLabelValues(classBlocks).Inc()
		c.misses.Inc()
		return nil, false
	}

	metricCacheHits.WithLabelValues(classBlocks).Inc()
	c.hits.Inc()
	return blocks, true
}

// StoreBlocks caches a block batch under the batch's range key.
func (c *Cache) StoreBlocks(ctx context.Context, slug string, start uint64, end *uint64, blocks []model.Block) {
	data, err := json.Marshal(blocks)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to encode blocks for cache", "network", slug, "err", err)
		return
	}

	begin := time.Now()
	err = c.rdb.Set(ctx, c.blocksKey(slug, start, end), data, c.cfg.BlockTTL).Err()
	metricCacheRequestDuration.WithLabelValues("put_blocks").Observe(time.Since(begin).Seconds())
	if err != nil {
		metricCacheErrors.WithLabelValues("put_blocks").Inc()
		level.Warn(c.logger).Log("msg", "failed to cache blocks", "network", slug, "err", err)
	}
}

// LatestBlock returns the cached latest block number for a network.
func (c *Cache) LatestBlock(ctx context.Context, slug string) (uint64, bool) {
	start := time.Now()
	val, err := c.rdb.Get(ctx, c.latestKey(slug)).Result()
	metricCacheRequestDuration.WithLabelValues("get_latest").Observe(time.Since(start).Seconds())

	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metricCacheErrors.WithLabelValues("get_latest").Inc()
			level.Debug(c.logger).Log("msg", "latest block cache read failed, treating as miss", "network", slug, "err", err)
		}
		metricCacheMisses.WithLabelValues(classLatest).Inc()
		c.misses.Inc()
		return 0, false
	}

	number, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		metricCacheMisses.WithLabelValues(classLatest).Inc()
		c.misses.Inc()
		return 0, false
	}

	metricCacheHits.WithLabelValues(classLatest).Inc()
	c.hits.Inc()
	return number, true
}

// StoreLatestBlock caches the latest block number for a network.
func (c *Cache) StoreLatestBlock(ctx context.Context, slug string, number uint64) {
	start := time.Now()
	err := c.rdb.Set(ctx, c.latestKey(slug), strconv.FormatUint(number, 10), c.cfg.LatestBlockTTL).Err()
	metricCacheRequestDuration.WithLabelValues("put_latest").Observe(time.Since(start).Seconds())
	if err != nil {
		metricCacheErrors.WithLabelValues("put_latest").Inc()
		level.Warn(c.logger).Log("msg", "failed to cache latest block", "network", slug, "err", err)
	}
}

// HitRate returns the fraction of reads served from cache since this process
// started. A cache that has seen no traffic reports 1.0.
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 1.0
	}
	return float64(hits) / float64(total)
}

// Stop closes the underlying connection.
func (c *Cache) Stop() {
	if err := c.rdb.Close(); err != nil {
		level.Warn(c.logger).Log("msg", "error closing redis client", "err", err)
	}
}

// Key shapes are stable and interoperable with other deployments:
// {prefix}:blocks:{slug}:{start}:{end?} and {prefix}:latest:{slug}.
func (c *Cache) blocksKey(slug string, start uint64, end *uint64) string {
	endPart := "-"
	if end != nil {
		endPart = strconv.FormatUint(*end, 10)
	}
	return fmt.Sprintf("%s:blocks:%s:%d:%s", c.cfg.KeyPrefix, slug, start, endPart)
}

func (c *Cache) latestKey(slug string) string {
	return fmt.Sprintf("%s:latest:%s", c.cfg.KeyPrefix, slug)
}
