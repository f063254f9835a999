// Package monitor is the integration layer between block events and tenant
// configuration: given a block and a set of tenants, it produces attributed
// matches, gates them through trigger-condition scripts, and dispatches
// triggers.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

var (
	metricMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "monitor_matches_total",
		Help:      "Total tenant monitor matches by network.",
	}, []string{"network"})
	metricMatchesExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "monitor_matches_excluded_total",
		Help:      "Matches excluded by trigger conditions.",
	})
)

// TenantStore is the slice of the tenant repository the services need.
// Satisfied by tenantstore.Store. Every query carries its tenant scope
// explicitly; the services never touch store-wide state, so workers hosting
// different tenants can share one Services value.
type TenantStore interface {
	MonitorsFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Monitor, error)
	NetworksFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Network, error)
	TriggersFor(ctx context.Context, tenantIDs []uuid.UUID) (map[string]model.Trigger, error)
}

// ClientPool hands out chain clients. Satisfied by chain.Pool.
type ClientPool interface {
	Get(ctx context.Context, network model.Network) (chain.Client, error)
}

// tenantContext is one tenant's configuration view. Monitors are memoized;
// networks and triggers are refreshed on every build.
type tenantContext struct {
	tenantID uuid.UUID
	monitors map[string]model.Monitor
	networks map[string]model.Network
	triggers map[string]model.Trigger
}

func (c *tenantContext) monitorsForNetwork(slug string) map[string]model.Monitor {
	out := make(map[string]model.Monitor)
	for name, m := range c.monitors {
		if m.WatchesNetwork(slug) {
			out[name] = m
		}
	}
	return out
}

func (c *tenantContext) monitor(name string) (model.Monitor, bool) {
	if m, ok := c.monitors[name]; ok {
		return m, true
	}
	for n, m := range c.monitors {
		if strings.EqualFold(n, name) {
			return m, true
		}
	}
	return model.Monitor{}, false
}

// Services wires the tenant store, the chain client pool, the filter, the
// script engine and the trigger executor into block processing.
type Services struct {
	store    TenantStore
	pool     ClientPool
	filter   Filter
	executor TriggerExecutor
	scripts  *ScriptEngine
	logger   log.Logger

	mtx          sync.Mutex
	monitorCache map[uuid.UUID]map[string]model.Monitor

	specMtx   sync.Mutex
	specCache map[string]json.RawMessage // {slug}:{address}
}

// NewServices creates the integration layer. filter and executor may be the
// built-in AddressFilter and Dispatcher or external engines.
func NewServices(store TenantStore, pool ClientPool, filter Filter, executor TriggerExecutor, scripts *ScriptEngine, logger log.Logger) *Services {
	return &Services{
		store:        store,
		pool:         pool,
		filter:       filter,
		executor:     executor,
		scripts:      scripts,
		logger:       logger,
		monitorCache: make(map[uuid.UUID]map[string]model.Monitor),
		specCache:    make(map[string]json.RawMessage),
	}
}

// ProcessBlock runs one block through every given tenant's monitors and
// returns the surviving matches. A failure while processing one tenant fails
// the call; callers retry on the next event.
func (s *Services) ProcessBlock(ctx context.Context, network model.Network, block model.Block, tenantIDs []uuid.UUID) ([]model.TenantMonitorMatch, error) {
	var all []model.TenantMonitorMatch
	for _, tenantID := range tenantIDs {
		tc, err := s.tenantContext(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading context for tenant %s: %w", tenantID, err)
		}

		matches, err := s.processTenantBlock(ctx, tc, network, block)
		if err != nil {
			return nil, fmt.Errorf("processing block %d for tenant %s: %w", block.Height, tenantID, err)
		}
		all = append(all, matches...)
	}

	if len(all) > 0 {
		metricMatches.WithLabelValues(network.Slug).Add(float64(len(all)))
	}
	return all, nil
}

func (s *Services) processTenantBlock(ctx context.Context, tc *tenantContext, network model.Network, block model.Block) ([]model.TenantMonitorMatch, error) {
	monitors := tc.monitorsForNetwork(network.Slug)
	if len(monitors) == 0 {
		return nil, nil
	}

	client, err := s.pool.Get(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("getting chain client: %w", err)
	}

	monitorList := make([]model.Monitor, 0, len(monitors))
	for _, m := range monitors {
		monitorList = append(monitorList, m)
	}
	specs := s.contractSpecs(network.Slug, monitorList)

	raw, err := s.filter.FilterBlock(ctx, client, network, block, monitorList, specs)
	if err != nil {
		return nil, fmt.Errorf("filter service: %w", err)
	}

	var out []model.TenantMonitorMatch
	for _, match := range raw {
		subject := subjectAddress(match, monitors)
		if subject == "" {
			continue
		}

		name, monitor, ok := monitorForAddress(monitors, subject)
		if !ok {
			continue
		}

		if !s.conditionsPass(ctx, &monitor, match) {
			metricMatchesExcluded.Inc()
			continue
		}

		out = append(out, model.TenantMonitorMatch{
			TenantID:    tc.tenantID,
			MonitorName: name,
			Match:       match,
		})
	}
	return out, nil
}

// subjectAddress determines which address a match is about. EVM matches use
// the transaction destination; contract creations have none and are dropped.
// Stellar matches prefer the matched monitor's first configured address, then
// fall back to walking the operations for a contract invocation.
func subjectAddress(match model.MonitorMatch, monitors map[string]model.Monitor) string {
	if match.NetworkType == model.NetworkTypeStellar {
		if m, ok := monitors[match.MonitorName]; ok && len(m.Addresses) > 0 {
			return m.Addresses[0].Address
		}
		for _, op := range match.Transaction.Operations {
			if op.Type == "invoke_host_function" && op.ContractID != "" {
				return op.ContractID
			}
		}
		return ""
	}
	return match.Transaction.To
}

func monitorForAddress(monitors map[string]model.Monitor, subject string) (string, model.Monitor, bool) {
	for name, m := range monitors {
		for _, addr := range m.Addresses {
			if strings.EqualFold(addr.Address, subject) {
				return name, m, true
			}
		}
	}
	return "", model.Monitor{}, false
}

// conditionsPass evaluates all trigger conditions of a monitor. Every
// condition must return true for the match to survive; load and execution
// errors count as true so a broken script cannot silence an alert.
func (s *Services) conditionsPass(ctx context.Context, monitor *model.Monitor, match model.MonitorMatch) bool {
	for _, cond := range monitor.TriggerConditions {
		ok, err := s.scripts.Evaluate(ctx, cond, match)
		if err != nil {
			level.Warn(s.logger).Log("msg", "trigger condition failed, including match", "monitor", monitor.Name, "script", cond.Script, "err", err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

// ExecuteTriggers dispatches the triggers of the matched monitor. Dispatch
// errors are logged, never returned: delivery is best-effort.
func (s *Services) ExecuteTriggers(ctx context.Context, tenantMatch model.TenantMonitorMatch) error {
	tc, err := s.tenantContext(ctx, tenantMatch.TenantID)
	if err != nil {
		return fmt.Errorf("loading context for tenant %s: %w", tenantMatch.TenantID, err)
	}

	monitor, ok := tc.monitor(tenantMatch.MonitorName)
	if !ok {
		return fmt.Errorf("monitor %q not found for tenant %s", tenantMatch.MonitorName, tenantMatch.TenantID)
	}

	triggers := make([]model.Trigger, 0, len(monitor.Triggers))
	for _, name := range monitor.Triggers {
		if trigger, ok := tc.triggers[name]; ok {
			triggers = append(triggers, trigger)
		} else {
			level.Warn(s.logger).Log("msg", "monitor references unknown trigger", "monitor", monitor.Name, "trigger", name)
		}
	}
	if len(triggers) == 0 {
		return nil
	}

	variables := map[string]string{
		"monitor_name": monitor.Name,
		"network":      tenantMatch.Match.NetworkSlug,
	}
	if err := s.executor.Execute(ctx, triggers, variables, tenantMatch.Match); err != nil {
		level.Error(s.logger).Log("msg", "trigger execution failed", "monitor", monitor.Name, "tenant", tenantMatch.TenantID, "err", err)
	}
	return nil
}

// ReloadConfigurations drops cached state for the given tenants. The next
// ProcessBlock rebuilds from the database.
func (s *Services) ReloadConfigurations(_ context.Context, tenantIDs []uuid.UUID) {
	s.mtx.Lock()
	for _, tid := range tenantIDs {
		delete(s.monitorCache, tid)
	}
	s.mtx.Unlock()

	s.scripts.Invalidate()
	level.Info(s.logger).Log("msg", "reloaded tenant configurations", "tenants", len(tenantIDs))
}

// ActiveNetworks returns the set of network slugs referenced by any monitor
// of the given tenants.
func (s *Services) ActiveNetworks(ctx context.Context, tenantIDs []uuid.UUID) (map[string]struct{}, error) {
	monitors, err := s.store.MonitorsFor(ctx, tenantIDs)
	if err != nil {
		return nil, err
	}

	networks := make(map[string]struct{})
	for _, m := range monitors {
		for _, slug := range m.Networks {
			networks[slug] = struct{}{}
		}
	}
	return networks, nil
}

// tenantContext builds or refreshes a tenant's configuration view. Monitors
// are memoized until ReloadConfigurations; networks and triggers are always
// fresh. Each query is scoped to the one tenant, so concurrent builds for
// different tenants cannot see each other's configuration.
func (s *Services) tenantContext(ctx context.Context, tenantID uuid.UUID) (*tenantContext, error) {
	s.mtx.Lock()
	monitors, cached := s.monitorCache[tenantID]
	s.mtx.Unlock()

	scope := []uuid.UUID{tenantID}

	if !cached {
		var err error
		monitors, err = s.store.MonitorsFor(ctx, scope)
		if err != nil {
			return nil, err
		}
		s.mtx.Lock()
		s.monitorCache[tenantID] = monitors
		s.mtx.Unlock()
	}

	networks, err := s.store.NetworksFor(ctx, scope)
	if err != nil {
		return nil, err
	}
	triggers, err := s.store.TriggersFor(ctx, scope)
	if err != nil {
		return nil, err
	}

	return &tenantContext{
		tenantID: tenantID,
		monitors: monitors,
		networks: networks,
		triggers: triggers,
	}, nil
}

// contractSpecs gathers the interface specs shipped with monitor addresses,
// memoized by {slug}:{address}.
func (s *Services) contractSpecs(slug string, monitors []model.Monitor) map[string]json.RawMessage {
	specs := make(map[string]json.RawMessage)
	s.specMtx.Lock()
	defer s.specMtx.Unlock()

	for i := range monitors {
		for _, addr := range monitors[i].Addresses {
			key := slug + ":" + addr.Address
			if cached, ok := s.specCache[key]; ok {
				specs[addr.Address] = cached
				continue
			}
			if len(addr.ContractSpec) == 0 {
				continue
			}
			s.specCache[key] = addr.ContractSpec
			specs[addr.Address] = addr.ContractSpec
		}
	}
	return specs
}
