package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/oz-monitor/orchestrator/modules/api"
	"github.com/oz-monitor/orchestrator/modules/blockwatcher"
	"github.com/oz-monitor/orchestrator/modules/loadbalancer"
	"github.com/oz-monitor/orchestrator/modules/monitor"
	"github.com/oz-monitor/orchestrator/modules/worker"
	"github.com/oz-monitor/orchestrator/pkg/blockcache"
	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/tenantstore"
)

// The modules that make up the orchestrator.
const (
	Store        string = "store"
	Balancer     string = "balancer"
	WorkerPool   string = "worker-pool"
	Bootstrap    string = "bootstrap"
	BlockWatcher string = "block-watcher"
	API          string = "api"
	Worker       string = "worker"
	All          string = "all"
)

// initStore connects the tenant repository, the optional block cache and the
// chain client pool. Returned as one idle service so shutdown closes all
// three after their consumers stopped.
func (t *App) initStore() (services.Service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.TenantStore.ConnectTimeout)
	defer cancel()

	store, err := tenantstore.New(ctx, t.cfg.TenantStore, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant store: %w", err)
	}
	t.store = store

	if t.cfg.RedisURL != "" {
		cache, err := blockcache.New(t.cfg.RedisURL, t.cfg.BlockCache, t.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create block cache: %w", err)
		}
		t.cache = cache
	}

	t.chainPool = chain.NewPool(chain.New, t.cache, t.logger)

	stopping := func(_ error) error {
		t.chainPool.Stop()
		if t.cache != nil {
			t.cache.Stop()
		}
		t.store.Stop()
		return nil
	}
	return services.NewIdleService(nil, stopping), nil
}

func (t *App) initBalancer() (services.Service, error) {
	balancer, err := loadbalancer.New(t.cfg.LoadBalancer, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}
	t.balancer = balancer
	return nil, nil
}

// initBlockWatcher seeds the watcher with every network any tenant monitors.
// The tenant filter is widened to all tenants first; block processing scopes
// its own queries per tenant and never touches the filter.
func (t *App) initBlockWatcher() (services.Service, error) {
	watcher, err := blockwatcher.New(t.cfg.BlockWatcher, t.chainPool, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create block watcher: %w", err)
	}
	t.watcher = watcher

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := t.store.AllTenantIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant ids: %w", err)
	}
	t.store.SetTenantFilter(ids)

	networks, err := t.store.AllNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load networks: %w", err)
	}
	for _, network := range networks {
		t.watcher.AddNetwork(network)
	}
	level.Info(t.logger).Log("msg", "block watcher initialized", "networks", len(networks), "tenants", len(ids))

	return t.watcher, nil
}

func (t *App) initWorkerPool() (services.Service, error) {
	scripts := monitor.NewScriptEngine(t.store, t.logger)
	t.monitorSvc = monitor.NewServices(t.store, t.chainPool, monitor.AddressFilter{}, monitor.NewDispatcher(t.logger), scripts, t.logger)

	pool, err := worker.NewPool(t.cfg.Worker, t.monitorSvc, t.watcher, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	t.workerPool = pool
	return t.workerPool, nil
}

// initBootstrap claims the tenant population at startup and keeps assignments
// balanced afterwards.
func (t *App) initBootstrap() (services.Service, error) {
	return services.NewBasicService(t.bootstrapStarting, t.bootstrapRunning, nil), nil
}

func (t *App) initAPI() (services.Service, error) {
	var workers api.WorkerLister
	if t.workerPool != nil {
		workers = t.workerPool
	}
	var balancer api.BalancerView
	if t.balancer != nil {
		balancer = t.balancer
	}
	var cacheStats api.CacheStats
	if t.cache != nil {
		cacheStats = t.cache
	}

	a, err := api.New(t.cfg.API, workers, balancer, cacheStats, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create management api: %w", err)
	}
	t.api = a
	return t.api, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(t.logger)

	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Balancer, t.initBalancer, modules.UserInvisibleModule)
	mm.RegisterModule(WorkerPool, t.initWorkerPool, modules.UserInvisibleModule)
	mm.RegisterModule(Bootstrap, t.initBootstrap, modules.UserInvisibleModule)
	mm.RegisterModule(BlockWatcher, t.initBlockWatcher)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(Worker, nil)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		BlockWatcher: {Store},
		WorkerPool:   {Store, BlockWatcher},
		Bootstrap:    {Store, Balancer, WorkerPool},
		API:          {Balancer},
		Worker:       {WorkerPool, Bootstrap, API},
		All:          {BlockWatcher, Worker},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	return nil
}
