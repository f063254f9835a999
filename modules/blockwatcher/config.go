package blockwatcher

import (
	"errors"
	"flag"
	"time"

	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Config controls the shared block watcher.
type Config struct {
	// ChannelBufferSize bounds each subscriber's event buffer; overflow drops
	// the oldest events and surfaces a lag count to that subscriber.
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// MaxBlocksPerFetch caps the block range of one scan iteration.
	MaxBlocksPerFetch uint64 `yaml:"max_blocks_per_fetch"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.ChannelBufferSize, util.PrefixConfig(prefix, "channel-buffer-size"), 1000, "Per-subscriber block event buffer size.")
	f.Uint64Var(&cfg.MaxBlocksPerFetch, util.PrefixConfig(prefix, "max-blocks-per-fetch"), 100, "Maximum blocks fetched in one scan iteration.")
	f.IntVar(&cfg.RetryAttempts, util.PrefixConfig(prefix, "retry-attempts"), 3, "RPC retry attempts per call.")
	f.DurationVar(&cfg.RetryDelay, util.PrefixConfig(prefix, "retry-delay"), time.Second, "Base delay between RPC retries, doubled each attempt.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	if cfg.ChannelBufferSize <= 0 {
		return errors.New("channel_buffer_size must be greater than 0")
	}
	if cfg.MaxBlocksPerFetch == 0 {
		return errors.New("max_blocks_per_fetch must be greater than 0")
	}
	if cfg.RetryAttempts <= 0 {
		return errors.New("retry_attempts must be greater than 0")
	}
	if cfg.RetryDelay <= 0 {
		return errors.New("retry_delay must be greater than 0")
	}
	return nil
}
