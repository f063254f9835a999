package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"

	"github.com/oz-monitor/orchestrator/modules/api"
	"github.com/oz-monitor/orchestrator/modules/blockwatcher"
	"github.com/oz-monitor/orchestrator/modules/loadbalancer"
	"github.com/oz-monitor/orchestrator/modules/monitor"
	"github.com/oz-monitor/orchestrator/modules/worker"
	"github.com/oz-monitor/orchestrator/pkg/blockcache"
	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/tenantstore"
)

const rebalanceCheckInterval = time.Minute

// App is the root datastructure: it owns the shared infrastructure and the
// per-target services, composed through the module manager.
type App struct {
	cfg    Config
	logger log.Logger

	store      *tenantstore.Store
	cache      *blockcache.Cache
	chainPool  *chain.Pool
	balancer   *loadbalancer.Balancer
	watcher    *blockwatcher.Watcher
	monitorSvc *monitor.Services
	workerPool *worker.Pool
	api        *api.API

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config, logger log.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logger,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}
	return app, nil
}

// Run starts the target's services and blocks until a signal arrives or a
// service fails.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(t.logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}

	healthy := func() { level.Info(t.logger).Log("msg", "orchestrator started", "target", t.cfg.Target) }
	stopped := func() { level.Info(t.logger).Log("msg", "orchestrator stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
					level.Info(t.logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(t.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}
		level.Error(t.logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// SIGINT/SIGTERM stop the manager, which stops all the services.
	handler := signals.NewHandler(t.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}
	return sm.AwaitStopped(context.Background())
}

// bootstrapStarting registers this process's workers with the local balancer
// and claims every tenant that has an active monitor, spreading them over as
// many workers as the per-worker limit requires.
func (t *App) bootstrapStarting(ctx context.Context) error {
	// the service manager starts every service concurrently; CreateWorker
	// needs the pool's run context, which exists only once the pool is running
	if err := t.workerPool.AwaitRunning(ctx); err != nil {
		return fmt.Errorf("worker pool did not reach running: %w", err)
	}

	tenantIDs, err := t.store.AllTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tenant ids: %w", err)
	}

	// tenants with monitors but a suspended or inactive account are skipped;
	// tenants without an account row are processed
	accounts, err := t.store.AllTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tenant accounts: %w", err)
	}
	inactive := make(map[uuid.UUID]struct{})
	for i := range accounts {
		if !accounts[i].Active() {
			inactive[accounts[i].ID] = struct{}{}
		}
	}
	eligible := tenantIDs[:0]
	for _, id := range tenantIDs {
		if _, ok := inactive[id]; !ok {
			eligible = append(eligible, id)
		}
	}
	tenantIDs = eligible

	workerCount := (len(tenantIDs) + t.cfg.Worker.MaxTenantsPerWorker - 1) / t.cfg.Worker.MaxTenantsPerWorker
	if workerCount == 0 {
		workerCount = 1
	}

	workerIDs := make([]string, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		id := t.cfg.WorkerID
		if workerCount > 1 {
			id = fmt.Sprintf("%s-%d", t.cfg.WorkerID, i)
		}
		workerIDs = append(workerIDs, id)
		t.balancer.AddWorker(id)
	}

	for _, tenantID := range tenantIDs {
		if _, err := t.balancer.AssignTenant(tenantID); err != nil {
			return fmt.Errorf("failed to assign tenant %s: %w", tenantID, err)
		}
	}

	for _, id := range workerIDs {
		if _, err := t.workerPool.CreateWorker(id, t.balancer.GetWorkerAssignments(id)); err != nil {
			return fmt.Errorf("failed to create worker %s: %w", id, err)
		}
	}

	level.Info(t.logger).Log("msg", "claimed tenants", "tenants", len(tenantIDs), "workers", workerCount)
	return nil
}

// bootstrapRunning periodically checks assignment skew and redistributes
// tenants over this process's workers when it crosses the threshold.
func (t *App) bootstrapRunning(ctx context.Context) error {
	ticker := time.NewTicker(rebalanceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !t.balancer.NeedsRebalancing() {
				continue
			}

			distribution, err := t.balancer.Rebalance()
			if err != nil {
				if !errors.Is(err, loadbalancer.ErrRebalancedRecently) {
					level.Error(t.logger).Log("msg", "rebalance failed", "err", err)
				}
				continue
			}

			for workerID, tenants := range distribution {
				if err := t.workerPool.ReassignTenants(ctx, workerID, tenants); err != nil {
					level.Error(t.logger).Log("msg", "failed to apply rebalanced assignments", "worker", workerID, "err", err)
				}
			}
		}
	}
}
