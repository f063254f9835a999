// Package worker hosts monitor workers: each worker consumes the shared
// block event stream and runs its assigned tenants' monitors against every
// block, surviving subscription lag and reporting its status to the pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/broadcast"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

var (
	metricBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "worker_blocks_processed_total",
		Help:      "Blocks processed per worker.",
	}, []string{"worker"})
	metricEventsLagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "worker_events_lagged_total",
		Help:      "Block events lost to subscription lag per worker.",
	}, []string{"worker"})
)

// State is a worker's lifecycle position.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateReloading State = "reloading"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Status is a worker's lifecycle position plus the error message that put it
// in StateError, if any.
type Status struct {
	State State  `json:"state"`
	Err   string `json:"error,omitempty"`
}

// Processor runs blocks through tenant monitors. Satisfied by
// monitor.Services.
type Processor interface {
	ProcessBlock(ctx context.Context, network model.Network, block model.Block, tenantIDs []uuid.UUID) ([]model.TenantMonitorMatch, error)
	ExecuteTriggers(ctx context.Context, match model.TenantMonitorMatch) error
	ReloadConfigurations(ctx context.Context, tenantIDs []uuid.UUID)
}

// BlockSource provides the block event subscription. Satisfied by
// blockwatcher.Watcher.
type BlockSource interface {
	Subscribe() *broadcast.Subscriber[model.BlockEvent]
}

// Worker consumes block events for its assigned tenants.
type Worker struct {
	ID string

	cfg       Config
	processor Processor
	source    BlockSource
	logger    log.Logger

	mtx     sync.RWMutex
	tenants []uuid.UUID
	status  Status
}

// NewWorker creates a worker in StateStarting.
func NewWorker(id string, cfg Config, processor Processor, source BlockSource, logger log.Logger) *Worker {
	return &Worker{
		ID:        id,
		cfg:       cfg,
		processor: processor,
		source:    source,
		logger:    log.With(logger, "worker", id),
		status:    Status{State: StateStarting},
	}
}

// AssignTenants replaces the worker's tenant list. Safe while running; the
// next event uses the new list.
func (w *Worker) AssignTenants(tenantIDs []uuid.UUID) {
	next := make([]uuid.UUID, len(tenantIDs))
	copy(next, tenantIDs)

	w.mtx.Lock()
	w.tenants = next
	w.mtx.Unlock()
	level.Info(w.logger).Log("msg", "assigned tenants", "tenants", len(next))
}

// Tenants returns a snapshot of the assigned tenant list.
func (w *Worker) Tenants() []uuid.UUID {
	w.mtx.RLock()
	defer w.mtx.RUnlock()

	out := make([]uuid.UUID, len(w.tenants))
	copy(out, w.tenants)
	return out
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	w.mtx.RLock()
	defer w.mtx.RUnlock()
	return w.status
}

func (w *Worker) setState(state State) {
	w.mtx.Lock()
	w.status = Status{State: state}
	w.mtx.Unlock()
}

func (w *Worker) setError(err error) {
	w.mtx.Lock()
	w.status = Status{State: StateError, Err: err.Error()}
	w.mtx.Unlock()
}

// Run is the worker's main loop. It subscribes to the block source and
// spawns the health reporter, the config reloader and the event consumer,
// returning when any of them stops; the worker then reads StateStopped. A
// worker with no tenants returns immediately but stays registered.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateRunning)
	level.Info(w.logger).Log("msg", "starting worker")

	if len(w.Tenants()) == 0 {
		level.Warn(w.logger).Log("msg", "worker has no assigned tenants")
		w.setState(StateStopped)
		return nil
	}

	sub := w.source.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan string, 3)
	go func() {
		w.healthLoop(ctx)
		finished <- "health"
	}()
	go func() {
		w.reloadLoop(ctx)
		finished <- "reload"
	}()
	go func() {
		w.consumeEvents(ctx, sub)
		finished <- "consumer"
	}()

	task := <-finished
	level.Warn(w.logger).Log("msg", "worker task stopped", "task", task)
	cancel()
	<-finished
	<-finished

	w.setState(StateStopped)
	return nil
}

func (w *Worker) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := w.Status()
			level.Info(w.logger).Log("msg", "health check", "state", status.State, "tenants", len(w.Tenants()))
		}
	}
}

func (w *Worker) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TenantReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.setState(StateReloading)
			w.processor.ReloadConfigurations(ctx, w.Tenants())
			w.setState(StateRunning)
		}
	}
}

func (w *Worker) consumeEvents(ctx context.Context, sub *broadcast.Subscriber[model.BlockEvent]) {
	for {
		event, err := sub.Recv(ctx)
		if err != nil {
			var lag broadcast.Lagged
			switch {
			case errors.As(err, &lag):
				// falling behind is survivable, the next fetch covers the gap
				metricEventsLagged.WithLabelValues(w.ID).Add(float64(lag.Skipped))
				level.Warn(w.logger).Log("msg", "lagged behind block events", "skipped", lag.Skipped)
				continue
			case errors.Is(err, broadcast.ErrClosed):
				level.Info(w.logger).Log("msg", "block event channel closed")
				return
			default: // context cancelled
				return
			}
		}

		tenants := w.Tenants()
		if len(tenants) == 0 {
			continue
		}

		for _, block := range event.Blocks {
			matches, err := w.processor.ProcessBlock(ctx, event.Network, block, tenants)
			if err != nil {
				level.Error(w.logger).Log("msg", "failed to process block", "network", event.Network.Slug, "block", block.Height, "err", err)
				w.setError(err)
				continue
			}
			metricBlocksProcessed.WithLabelValues(w.ID).Inc()

			if len(matches) > 0 {
				level.Info(w.logger).Log("msg", "found matches", "network", event.Network.Slug, "block", block.Height, "matches", len(matches))
			}
			for _, match := range matches {
				if err := w.processor.ExecuteTriggers(ctx, match); err != nil {
					level.Warn(w.logger).Log("msg", "trigger execution failed", "monitor", match.MonitorName, "err", err)
				}
			}
		}
	}
}
