package tenantstore

import (
	"errors"
	"flag"
	"time"

	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Config controls the Postgres connection and the legacy script fallback.
type Config struct {
	DatabaseURL    string        `yaml:"database_url"`
	MaxConns       int           `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ScriptDir is consulted when a script has no active database row.
	ScriptDir string `yaml:"script_dir"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DatabaseURL, util.PrefixConfig(prefix, "database-url"), "", "Postgres connection string for the tenant repository.")
	f.IntVar(&cfg.MaxConns, util.PrefixConfig(prefix, "max-conns"), 4, "Maximum pooled connections.")
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), 5*time.Second, "Timeout for the initial database connection.")
	f.StringVar(&cfg.ScriptDir, util.PrefixConfig(prefix, "script-dir"), "./config/filters", "Directory searched for trigger scripts not yet migrated to the database.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	if cfg.DatabaseURL == "" {
		return errors.New("database_url must not be empty")
	}
	if cfg.MaxConns <= 0 {
		return errors.New("max_conns must be greater than 0")
	}
	return nil
}
