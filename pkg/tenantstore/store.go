// Package tenantstore is the read-side view of the tenant repository. A Store
// holds a tenant filter and answers configuration queries restricted to it:
// monitors, networks, triggers and trigger scripts. Rows carry their payload
// as JSONB blobs in the canonical model schema.
package tenantstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

var metricQueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ozmonitor",
	Name:      "tenantstore_query_errors_total",
	Help:      "Total failed tenant repository queries by query name.",
}, []string{"query"})

// querier is the slice of pgxpool.Pool the store needs. Narrow on purpose so
// tests can substitute canned rows.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store reads tenant configuration from Postgres, restricted to a tenant
// filter that is swapped atomically as assignments change.
type Store struct {
	db        querier
	pool      *pgxpool.Pool
	scriptDir string
	logger    log.Logger

	mtx    sync.RWMutex
	filter []uuid.UUID
}

// New connects a pooled store. The initial tenant filter is empty; every
// query returns nothing until SetTenantFilter is called.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tenant store config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to tenant repository: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tenant repository ping failed: %w", err)
	}

	s := newWithQuerier(pool, cfg.ScriptDir, logger)
	s.pool = pool
	return s, nil
}

func newWithQuerier(db querier, scriptDir string, logger log.Logger) *Store {
	return &Store{
		db:        db,
		scriptDir: scriptDir,
		logger:    logger,
	}
}

// SetTenantFilter atomically replaces the tenant filter. In-flight queries
// keep the filter they started with.
func (s *Store) SetTenantFilter(tenantIDs []uuid.UUID) {
	next := make([]uuid.UUID, len(tenantIDs))
	copy(next, tenantIDs)

	s.mtx.Lock()
	s.filter = next
	s.mtx.Unlock()
}

// TenantFilter returns a copy of the current filter.
func (s *Store) TenantFilter() []uuid.UUID {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]uuid.UUID, len(s.filter))
	copy(out, s.filter)
	return out
}

// filterStrings snapshots the filter as uuid strings for ANY($1) matching.
func (s *Store) filterStrings() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return uuidStrings(s.filter)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

const monitorsQuery = `
SELECT m.name, m.configuration, n.name
FROM tenant_monitors m
JOIN tenant_networks n ON n.id = m.network_id
WHERE m.tenant_id::text = ANY($1) AND m.is_active = true`

// AllMonitors returns the active monitors of the filtered tenants, keyed by
// monitor name.
func (s *Store) AllMonitors(ctx context.Context) (map[string]model.Monitor, error) {
	return s.MonitorsFor(ctx, s.TenantFilter())
}

// MonitorsFor returns the active monitors of exactly the given tenants,
// ignoring the store-wide filter. The stored configuration is authoritative;
// the row's name and joined network slug overlay whatever the blob carries.
func (s *Store) MonitorsFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Monitor, error) {
	rows, err := s.db.Query(ctx, monitorsQuery, uuidStrings(tenantIDs))
	if err != nil {
		metricQueryErrors.WithLabelValues("monitors").Inc()
		return nil, fmt.Errorf("querying monitors: %w", err)
	}
	defer rows.Close()

	monitors := make(map[string]model.Monitor)
	for rows.Next() {
		var (
			name    string
			config  []byte
			netName string
		)
		if err := rows.Scan(&name, &config, &netName); err != nil {
			return nil, fmt.Errorf("scanning monitor row: %w", err)
		}

		var monitor model.Monitor
		if err := json.Unmarshal(config, &monitor); err != nil {
			metricQueryErrors.WithLabelValues("monitors").Inc()
			return nil, fmt.Errorf("invalid configuration for monitor %q: %w", name, err)
		}
		monitor.Name = name
		if !monitor.WatchesNetwork(netName) {
			monitor.Networks = append(monitor.Networks, netName)
		}
		monitors[name] = monitor
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("monitors").Inc()
		return nil, fmt.Errorf("reading monitor rows: %w", err)
	}
	return monitors, nil
}

const networksQuery = `
SELECT n.name, n.blockchain, n.configuration
FROM tenant_networks n
WHERE n.tenant_id::text = ANY($1) AND n.is_active = true`

// AllNetworks returns the active networks of the filtered tenants, keyed by
// slug.
func (s *Store) AllNetworks(ctx context.Context) (map[string]model.Network, error) {
	return s.NetworksFor(ctx, s.TenantFilter())
}

// NetworksFor returns the active networks of exactly the given tenants,
// ignoring the store-wide filter.
func (s *Store) NetworksFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Network, error) {
	rows, err := s.db.Query(ctx, networksQuery, uuidStrings(tenantIDs))
	if err != nil {
		metricQueryErrors.WithLabelValues("networks").Inc()
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	networks := make(map[string]model.Network)
	for rows.Next() {
		var (
			name       string
			blockchain string
			config     []byte
		)
		if err := rows.Scan(&name, &blockchain, &config); err != nil {
			return nil, fmt.Errorf("scanning network row: %w", err)
		}

		var network model.Network
		if err := json.Unmarshal(config, &network); err != nil {
			metricQueryErrors.WithLabelValues("networks").Inc()
			return nil, fmt.Errorf("invalid configuration for network %q: %w", name, err)
		}
		if network.Slug == "" {
			network.Slug = name
		}
		if network.Name == "" {
			network.Name = name
		}
		if network.NetworkType == "" {
			network.NetworkType = model.NetworkTypeFromBlockchain(blockchain)
		}
		networks[network.Slug] = network
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("networks").Inc()
		return nil, fmt.Errorf("reading network rows: %w", err)
	}
	return networks, nil
}

const triggersQuery = `
SELECT t.name, t.type, t.configuration
FROM tenant_triggers t
WHERE t.tenant_id::text = ANY($1) AND t.is_active = true`

// AllTriggers returns the active triggers of the filtered tenants, keyed by
// trigger name.
func (s *Store) AllTriggers(ctx context.Context) (map[string]model.Trigger, error) {
	return s.TriggersFor(ctx, s.TenantFilter())
}

// TriggersFor returns the active triggers of exactly the given tenants,
// ignoring the store-wide filter.
func (s *Store) TriggersFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Trigger, error) {
	rows, err := s.db.Query(ctx, triggersQuery, uuidStrings(tenantIDs))
	if err != nil {
		metricQueryErrors.WithLabelValues("triggers").Inc()
		return nil, fmt.Errorf("querying triggers: %w", err)
	}
	defer rows.Close()

	triggers := make(map[string]model.Trigger)
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			metricQueryErrors.WithLabelValues("triggers").Inc()
			return nil, err
		}
		triggers[trigger.Name] = trigger
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("triggers").Inc()
		return nil, fmt.Errorf("reading trigger rows: %w", err)
	}
	return triggers, nil
}

const triggersByMonitorQuery = `
SELECT t.name, t.type, t.configuration
FROM tenant_triggers t
JOIN tenant_monitors m ON m.id = t.monitor_id
WHERE m.monitor_id = $1 AND t.tenant_id::text = ANY($2) AND t.is_active = true`

// TriggersByMonitor returns the active triggers attached to one monitor,
// identified by its external monitor id.
func (s *Store) TriggersByMonitor(ctx context.Context, monitorID string) ([]model.Trigger, error) {
	rows, err := s.db.Query(ctx, triggersByMonitorQuery, monitorID, s.filterStrings())
	if err != nil {
		metricQueryErrors.WithLabelValues("triggers_by_monitor").Inc()
		return nil, fmt.Errorf("querying triggers for monitor %s: %w", monitorID, err)
	}
	defer rows.Close()

	var triggers []model.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			metricQueryErrors.WithLabelValues("triggers_by_monitor").Inc()
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("triggers_by_monitor").Inc()
		return nil, fmt.Errorf("reading trigger rows: %w", err)
	}
	return triggers, nil
}

func scanTrigger(rows pgx.Rows) (model.Trigger, error) {
	var (
		name        string
		triggerType string
		config      []byte
	)
	if err := rows.Scan(&name, &triggerType, &config); err != nil {
		return model.Trigger{}, fmt.Errorf("scanning trigger row: %w", err)
	}

	var trigger model.Trigger
	if len(config) > 0 {
		if err := json.Unmarshal(config, &trigger); err != nil {
			return model.Trigger{}, fmt.Errorf("invalid configuration for trigger %q: %w", name, err)
		}
	}
	trigger.Name = name
	trigger.Type = triggerType
	return trigger, nil
}

const scriptQuery = `
SELECT s.content
FROM trigger_scripts s
WHERE s.name = $1 AND s.tenant_id::text = ANY($2) AND s.is_active = true
LIMIT 1`

// LoadScript resolves a trigger script by name. When no active database row
// matches, it falls back to a file under the configured script directory and
// logs a migration notice.
func (s *Store) LoadScript(ctx context.Context, name string) (string, error) {
	rows, err := s.db.Query(ctx, scriptQuery, name, s.filterStrings())
	if err != nil {
		metricQueryErrors.WithLabelValues("script").Inc()
		return "", fmt.Errorf("querying script %q: %w", name, err)
	}
	defer rows.Close()

	if rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("scanning script row: %w", err)
		}
		return content, nil
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("script").Inc()
		return "", fmt.Errorf("reading script rows: %w", err)
	}

	path := filepath.Join(s.scriptDir, filepath.Base(name))
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("script %q has no active database row and no file at %s: %w", name, path, err)
	}
	level.Warn(s.logger).Log("msg", "trigger script loaded from filesystem, migrate it to the database", "script", name, "path", path)
	return string(content), nil
}

const tenantIDsQuery = `
SELECT DISTINCT tenant_id::text FROM tenant_monitors WHERE is_active = true`

// AllTenantIDs returns every tenant with at least one active monitor,
// ignoring the tenant filter. Used at bootstrap to claim unassigned tenants.
func (s *Store) AllTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, tenantIDsQuery)
	if err != nil {
		metricQueryErrors.WithLabelValues("tenant_ids").Inc()
		return nil, fmt.Errorf("querying tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning tenant id row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("tenant_ids").Inc()
		return nil, fmt.Errorf("reading tenant id rows: %w", err)
	}
	return ids, nil
}

const tenantsQuery = `
SELECT id::text, name, status, priority, max_monitors FROM tenants`

// AllTenants returns every tenant account, ignoring the tenant filter. Used
// at bootstrap to skip suspended and inactive tenants.
func (s *Store) AllTenants(ctx context.Context) ([]model.TenantInfo, error) {
	rows, err := s.db.Query(ctx, tenantsQuery)
	if err != nil {
		metricQueryErrors.WithLabelValues("tenants").Inc()
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.TenantInfo
	for rows.Next() {
		var (
			raw, name, status string
			priority          int
			maxMonitors       int
		)
		if err := rows.Scan(&raw, &name, &status, &priority, &maxMonitors); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
		}
		tenants = append(tenants, model.TenantInfo{
			ID:          id,
			Name:        name,
			Status:      model.TenantStatus(status),
			Priority:    model.TenantPriority(priority),
			MaxMonitors: maxMonitors,
		})
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.WithLabelValues("tenants").Inc()
		return nil, fmt.Errorf("reading tenant rows: %w", err)
	}
	return tenants, nil
}

// Stop closes the underlying pool, if this store owns one.
func (s *Store) Stop() {
	if s.pool != nil {
		s.pool.Close()
	}
}
