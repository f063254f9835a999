package loadbalancer

import (
	"flag"
	"fmt"
	"time"

	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Strategy selects how tenants are bound to workers.
type Strategy string

const (
	// RoundRobin picks the worker with the fewest tenants.
	RoundRobin Strategy = "round_robin"
	// LeastLoaded minimizes a combined cpu/memory/tenant-count scalar.
	LeastLoaded Strategy = "least_loaded"
	// ConsistentHashing hash-partitions tenants over the sorted worker list,
	// with an affinity map keeping placements stable across reassignments.
	ConsistentHashing Strategy = "consistent_hashing"
	// ActivityBased sends busy tenants to headroom and idle tenants to
	// affinity.
	ActivityBased Strategy = "activity_based"
)

// Config controls the load balancer.
type Config struct {
	Strategy             Strategy      `yaml:"strategy"`
	MaxTenantsPerWorker  int           `yaml:"max_tenants_per_worker"`
	RebalanceThreshold   float64       `yaml:"rebalance_threshold"`
	MinRebalanceInterval time.Duration `yaml:"min_rebalance_interval"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar((*string)(&cfg.Strategy), util.PrefixConfig(prefix, "strategy"), string(ConsistentHashing), "Assignment strategy: round_robin, least_loaded, consistent_hashing or activity_based.")
	f.IntVar(&cfg.MaxTenantsPerWorker, util.PrefixConfig(prefix, "max-tenants-per-worker"), 50, "Maximum tenants bound to one worker.")
	f.Float64Var(&cfg.RebalanceThreshold, util.PrefixConfig(prefix, "rebalance-threshold"), 0.2, "Tenant-count imbalance ratio that triggers rebalancing.")
	f.DurationVar(&cfg.MinRebalanceInterval, util.PrefixConfig(prefix, "min-rebalance-interval"), 5*time.Minute, "Minimum time between rebalances.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	switch cfg.Strategy {
	case RoundRobin, LeastLoaded, ConsistentHashing, ActivityBased:
	default:
		return fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.MaxTenantsPerWorker <= 0 {
		return fmt.Errorf("max_tenants_per_worker must be greater than 0")
	}
	if cfg.RebalanceThreshold < 0 || cfg.RebalanceThreshold > 1 {
		return fmt.Errorf("rebalance_threshold must be between 0.0 and 1.0")
	}
	if cfg.MinRebalanceInterval < time.Minute {
		return fmt.Errorf("min_rebalance_interval must be at least 60 seconds")
	}
	return nil
}
