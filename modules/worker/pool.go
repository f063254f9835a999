package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
)

// Info is one row of the pool's worker listing.
type Info struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	TenantCount int    `json:"tenant_count"`
}

// Pool manages the workers of one process. It is a dskit service: stopping
// the pool stops every worker it created.
type Pool struct {
	services.Service

	cfg       Config
	processor Processor
	source    BlockSource
	logger    log.Logger

	mtx     sync.RWMutex
	workers map[string]*poolEntry

	runCtx context.Context
	wg     sync.WaitGroup
}

type poolEntry struct {
	worker *Worker
	cancel context.CancelFunc
}

// NewPool creates an empty worker pool.
func NewPool(cfg Config, processor Processor, source BlockSource, logger log.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}

	p := &Pool{
		cfg:       cfg,
		processor: processor,
		source:    source,
		logger:    logger,
		workers:   make(map[string]*poolEntry),
	}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p, nil
}

func (p *Pool) starting(ctx context.Context) error {
	p.mtx.Lock()
	p.runCtx = ctx
	p.mtx.Unlock()
	return nil
}

func (p *Pool) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Pool) stopping(_ error) error {
	p.mtx.Lock()
	for _, entry := range p.workers {
		entry.worker.setState(StateStopping)
		entry.cancel()
	}
	p.mtx.Unlock()

	p.wg.Wait()
	return nil
}

// CreateWorker creates a worker with the given tenants and runs it in the
// background. The pool service must be running.
func (p *Pool) CreateWorker(id string, tenantIDs []uuid.UUID) (*Worker, error) {
	if len(tenantIDs) > p.cfg.MaxTenantsPerWorker {
		return nil, fmt.Errorf("worker %s: %d tenants exceeds limit of %d", id, len(tenantIDs), p.cfg.MaxTenantsPerWorker)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.workers[id]; ok {
		return nil, fmt.Errorf("worker %s already exists", id)
	}
	if p.runCtx == nil {
		return nil, fmt.Errorf("worker pool is not running")
	}

	w := NewWorker(id, p.cfg, p.processor, p.source, p.logger)
	w.AssignTenants(tenantIDs)

	ctx, cancel := context.WithCancel(p.runCtx)
	p.workers[id] = &poolEntry{worker: w, cancel: cancel}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := w.Run(ctx); err != nil {
			level.Error(p.logger).Log("msg", "worker exited with error", "worker", id, "err", err)
		}
	}()

	level.Info(p.logger).Log("msg", "created worker", "worker", id, "tenants", len(tenantIDs))
	return w, nil
}

// GetWorkerStatus returns a worker's status.
func (p *Pool) GetWorkerStatus(id string) (Status, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	entry, ok := p.workers[id]
	if !ok {
		return Status{}, false
	}
	return entry.worker.Status(), true
}

// ListWorkers returns every worker's id, status and tenant count.
func (p *Pool) ListWorkers() []Info {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	out := make([]Info, 0, len(p.workers))
	for id, entry := range p.workers {
		out = append(out, Info{
			ID:          id,
			Status:      entry.worker.Status(),
			TenantCount: len(entry.worker.Tenants()),
		})
	}
	return out
}

// ReassignTenants replaces a worker's tenant list and reloads their
// configurations.
func (p *Pool) ReassignTenants(ctx context.Context, id string, tenantIDs []uuid.UUID) error {
	p.mtx.RLock()
	entry, ok := p.workers[id]
	p.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}

	// a stopped worker's event loop is gone; assigning tenants to it would
	// silently drop their blocks
	if status := entry.worker.Status(); status.State == StateStopping || status.State == StateStopped {
		return fmt.Errorf("worker %s is %s and no longer processes events", id, status.State)
	}

	entry.worker.AssignTenants(tenantIDs)
	p.processor.ReloadConfigurations(ctx, tenantIDs)
	return nil
}

// RemoveWorker stops a worker and forgets it.
func (p *Pool) RemoveWorker(id string) error {
	p.mtx.Lock()
	entry, ok := p.workers[id]
	delete(p.workers, id)
	p.mtx.Unlock()
	if !ok {
		return fmt.Errorf("worker %s not found", id)
	}

	entry.worker.setState(StateStopping)
	entry.cancel()
	level.Info(p.logger).Log("msg", "removed worker", "worker", id)
	return nil
}
