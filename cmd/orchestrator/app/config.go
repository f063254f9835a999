package app

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	dslog "github.com/grafana/dskit/log"
	"gopkg.in/yaml.v2"

	"github.com/oz-monitor/orchestrator/modules/api"
	"github.com/oz-monitor/orchestrator/modules/blockwatcher"
	"github.com/oz-monitor/orchestrator/modules/loadbalancer"
	"github.com/oz-monitor/orchestrator/modules/worker"
	"github.com/oz-monitor/orchestrator/pkg/blockcache"
	"github.com/oz-monitor/orchestrator/pkg/tenantstore"
	"github.com/oz-monitor/orchestrator/pkg/util"
)

// envPrefix marks environment variables that override config file values.
// OZ_MONITOR_REDIS_URL sets redis_url; nested keys use a double underscore,
// OZ_MONITOR_BLOCK_WATCHER__MAX_BLOCKS_PER_FETCH sets
// block_watcher.max_blocks_per_fetch.
const envPrefix = "OZ_MONITOR_"

// Config is the root config for the orchestrator.
type Config struct {
	Target   string      `yaml:"target,omitempty"`
	WorkerID string      `yaml:"worker_id,omitempty"`
	RedisURL string      `yaml:"redis_url,omitempty"`
	LogLevel dslog.Level `yaml:"log_level,omitempty"`

	TenantStore  tenantstore.Config  `yaml:"tenant_store,omitempty"`
	BlockCache   blockcache.Config   `yaml:"block_cache,omitempty"`
	BlockWatcher blockwatcher.Config `yaml:"block_watcher,omitempty"`
	LoadBalancer loadbalancer.Config `yaml:"load_balancer,omitempty"`
	Worker       worker.Config       `yaml:"worker,omitempty"`
	API          api.Config          `yaml:"api,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	f.StringVar(&c.Target, "target", All, "Service mode to run: all, worker, block-watcher or api.")
	// hostnames repeat across restarts and replicas; the random suffix keeps
	// worker identities distinct unless the operator pins one
	f.StringVar(&c.WorkerID, "worker.id", hostname+"-"+uuid.NewString()[:8], "Identity this process registers workers under. Defaults to the hostname plus a random suffix.")
	f.StringVar(&c.RedisURL, "redis.url", "", "Redis URL for the shared block cache. Required by targets that process blocks.")
	c.LogLevel.RegisterFlags(f)

	c.TenantStore.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "tenant-store"), f)
	c.BlockCache.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "block-cache"), f)
	c.BlockWatcher.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "block-watcher"), f)
	c.LoadBalancer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "load-balancer"), f)
	c.Worker.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "worker"), f)
	c.API.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "api"), f)
}

// Validate checks the config for the selected target. The tenant store and
// the block cache are only required by targets that process blocks.
func (c *Config) Validate() error {
	switch c.Target {
	case All, Worker, BlockWatcher, API:
	default:
		return fmt.Errorf("unknown target %q", c.Target)
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id must not be empty")
	}

	if c.Target != API {
		if err := c.TenantStore.Validate(); err != nil {
			return fmt.Errorf("invalid tenant_store config: %w", err)
		}
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url must not be empty")
		}
	}
	if err := c.BlockCache.Validate(); err != nil {
		return fmt.Errorf("invalid block_cache config: %w", err)
	}
	if err := c.BlockWatcher.Validate(); err != nil {
		return fmt.Errorf("invalid block_watcher config: %w", err)
	}
	if err := c.LoadBalancer.Validate(); err != nil {
		return fmt.Errorf("invalid load_balancer config: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("invalid api config: %w", err)
	}
	return nil
}

// CheckConfig returns warnings for suspect but non-fatal configurations.
func (c *Config) CheckConfig() []string {
	var warnings []string

	if c.Worker.MaxTenantsPerWorker != c.LoadBalancer.MaxTenantsPerWorker {
		warnings = append(warnings, "worker.max_tenants_per_worker differs from load_balancer.max_tenants_per_worker, the balancer may assign more tenants than workers accept")
	}
	return warnings
}

// ApplyEnvOverrides overlays OZ_MONITOR_* environment variables onto the
// YAML document before it is unmarshalled, so overrides go through the same
// strict parsing as the file itself.
func ApplyEnvOverrides(buff []byte, environ []string) ([]byte, error) {
	overrides := make(map[string]string)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(kv, envPrefix), "=")
		if !ok || key == "" {
			continue
		}
		overrides[key] = value
	}
	if len(overrides) == 0 {
		return buff, nil
	}

	tree := map[interface{}]interface{}{}
	if err := yaml.Unmarshal(buff, &tree); err != nil {
		return nil, fmt.Errorf("parsing config for env overrides: %w", err)
	}
	if tree == nil {
		tree = map[interface{}]interface{}{}
	}

	for key, value := range overrides {
		path := strings.Split(strings.ToLower(key), "__")

		// let YAML type the scalar, so OZ_MONITOR_..=100 becomes an int
		var typed interface{}
		if err := yaml.Unmarshal([]byte(value), &typed); err != nil {
			typed = value
		}
		setPath(tree, path, typed)
	}

	return yaml.Marshal(tree)
}

func setPath(tree map[interface{}]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		tree[path[0]] = value
		return
	}

	child, ok := tree[path[0]].(map[interface{}]interface{})
	if !ok {
		child = map[interface{}]interface{}{}
		tree[path[0]] = child
	}
	setPath(child, path[1:], value)
}
