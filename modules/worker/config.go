package worker

import (
	"errors"
	"flag"
	"time"

	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Config controls worker behavior.
type Config struct {
	MaxTenantsPerWorker  int           `yaml:"max_tenants_per_worker"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	TenantReloadInterval time.Duration `yaml:"tenant_reload_interval"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxTenantsPerWorker, util.PrefixConfig(prefix, "max-tenants-per-worker"), 50, "Maximum tenants one worker will accept.")
	f.DurationVar(&cfg.HealthCheckInterval, util.PrefixConfig(prefix, "health-check-interval"), 30*time.Second, "How often a worker reports its status.")
	f.DurationVar(&cfg.TenantReloadInterval, util.PrefixConfig(prefix, "tenant-reload-interval"), 5*time.Minute, "How often a worker reloads tenant configurations.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	if cfg.MaxTenantsPerWorker <= 0 {
		return errors.New("max_tenants_per_worker must be greater than 0")
	}
	if cfg.HealthCheckInterval < 5*time.Second {
		return errors.New("health_check_interval must be at least 5 seconds")
	}
	if cfg.TenantReloadInterval < 30*time.Second {
		return errors.New("tenant_reload_interval must be at least 30 seconds")
	}
	return nil
}
