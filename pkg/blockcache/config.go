package blockcache

import (
	"errors"
	"flag"
	"time"

	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Config controls TTLs and key layout of the shared block cache.
type Config struct {
	BlockTTL       time.Duration `yaml:"block_ttl"`
	LatestBlockTTL time.Duration `yaml:"latest_block_ttl"`
	KeyPrefix      string        `yaml:"key_prefix"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.BlockTTL, util.PrefixConfig(prefix, "block-ttl"), 60*time.Second, "How long fetched block batches stay cached.")
	f.DurationVar(&cfg.LatestBlockTTL, util.PrefixConfig(prefix, "latest-block-ttl"), 5*time.Second, "How long the latest block number stays cached.")
	f.StringVar(&cfg.KeyPrefix, util.PrefixConfig(prefix, "key-prefix"), "oz_cache", "Prefix for all cache keys.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	if cfg.BlockTTL <= 0 {
		return errors.New("block_ttl must be greater than 0")
	}
	if cfg.LatestBlockTTL <= 0 {
		return errors.New("latest_block_ttl must be greater than 0")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key_prefix must not be empty")
	}
	return nil
}
