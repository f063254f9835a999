// Package loadbalancer maps tenants onto workers. It keeps the worker
// registry, the assignment table and per-tenant affinity, and decides when
// the fleet has drifted far enough from even to rebalance wholesale.
package loadbalancer

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

var (
	// ErrNoWorkersAvailable is returned when assignment is attempted against
	// an empty worker registry.
	ErrNoWorkersAvailable = errors.New("no workers available")

	// ErrRebalancedRecently is returned when Rebalance is called again within
	// the minimum rebalance interval.
	ErrRebalancedRecently = errors.New("rebalanced too recently")
)

var (
	metricAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "loadbalancer_assignments_total",
		Help:      "Total tenant assignments by reason.",
	}, []string{"reason"})
	metricRebalances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "loadbalancer_rebalances_total",
		Help:      "Total whole-fleet rebalances.",
	})
	metricWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ozmonitor",
		Name:      "loadbalancer_workers",
		Help:      "Workers currently registered.",
	})
)

// Balancer holds all assignment state behind one mutex. Operations snapshot
// what they need and never call out while holding it.
type Balancer struct {
	cfg    Config
	logger log.Logger

	mtx           sync.RWMutex
	workers       map[string]model.WorkerMetrics
	assignments   map[uuid.UUID]model.TenantAssignment
	affinity      map[string]string // tenant id string -> worker id
	tenantMetrics map[uuid.UUID]model.TenantMetrics
	lastRebalance time.Time

	now func() time.Time
}

// New creates a balancer with an empty registry.
func New(cfg Config, logger log.Logger) (*Balancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Balancer{
		cfg:           cfg,
		logger:        logger,
		workers:       make(map[string]model.WorkerMetrics),
		assignments:   make(map[uuid.UUID]model.TenantAssignment),
		affinity:      make(map[string]string),
		tenantMetrics: make(map[uuid.UUID]model.TenantMetrics),
		now:           time.Now,
	}, nil
}

// AddWorker registers a worker with empty metrics. Existing tenants are not
// reassigned.
func (b *Balancer) AddWorker(workerID string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.workers[workerID]; ok {
		return
	}
	b.workers[workerID] = model.WorkerMetrics{
		WorkerID:    workerID,
		CollectedAt: b.now().UTC(),
	}
	metricWorkers.Set(float64(len(b.workers)))
	level.Info(b.logger).Log("msg", "added worker", "worker", workerID)
}

// RemoveWorker drops a worker and returns the tenants orphaned by its
// removal. Callers must reassign them.
func (b *Balancer) RemoveWorker(workerID string) []uuid.UUID {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	delete(b.workers, workerID)
	for tid, wid := range b.affinity {
		if wid == workerID {
			delete(b.affinity, tid)
		}
	}

	var orphaned []uuid.UUID
	for tid, assignment := range b.assignments {
		if assignment.WorkerID == workerID {
			orphaned = append(orphaned, tid)
			delete(b.assignments, tid)
		}
	}

	metricWorkers.Set(float64(len(b.workers)))
	level.Info(b.logger).Log("msg", "removed worker", "worker", workerID, "orphaned_tenants", len(orphaned))
	return orphaned
}

// UpdateWorkerMetrics replaces a worker's metrics record.
func (b *Balancer) UpdateWorkerMetrics(m model.WorkerMetrics) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.workers[m.WorkerID] = m
}

// UpdateTenantMetrics replaces a tenant's metrics record.
func (b *Balancer) UpdateTenantMetrics(m model.TenantMetrics) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.tenantMetrics[m.TenantID] = m
}

// AssignTenant binds a tenant to a worker chosen by the configured strategy.
// Re-assigning an already-assigned tenant replaces the assignment and bumps
// its version.
func (b *Balancer) AssignTenant(tenantID uuid.UUID) (string, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	workerID, err := b.selectWorker(tenantID)
	if err != nil {
		return "", err
	}

	reason := model.ReasonInitial
	if b.cfg.Strategy == LeastLoaded || b.cfg.Strategy == ActivityBased {
		reason = model.ReasonLoadRebalance
	}

	if prior, ok := b.assignments[tenantID]; ok {
		b.assignments[tenantID] = prior.Reassign(workerID, reason)
	} else {
		b.assignments[tenantID] = model.NewTenantAssignment(tenantID, workerID, reason)
	}
	b.affinity[tenantID.String()] = workerID

	if load, ok := b.workers[workerID]; ok {
		load.TenantCount++
		b.workers[workerID] = load
	}

	metricAssignments.WithLabelValues(string(reason)).Inc()
	level.Info(b.logger).Log("msg", "assigned tenant", "tenant", tenantID, "worker", workerID)
	return workerID, nil
}

// selectWorker applies the configured strategy. Caller holds b.mtx.
func (b *Balancer) selectWorker(tenantID uuid.UUID) (string, error) {
	switch b.cfg.Strategy {
	case RoundRobin:
		return b.roundRobin()
	case LeastLoaded:
		return b.leastLoaded()
	case ConsistentHashing:
		return b.consistentHash(tenantID)
	default: // ActivityBased
		if m, ok := b.tenantMetrics[tenantID]; ok && m.ActivityScore() > 0.7 {
			return b.leastLoaded()
		}
		return b.consistentHash(tenantID)
	}
}

func (b *Balancer) roundRobin() (string, error) {
	best := ""
	bestCount := math.MaxInt
	for id, load := range b.workers {
		if load.TenantCount < bestCount {
			best, bestCount = id, load.TenantCount
		}
	}
	if best == "" {
		return "", ErrNoWorkersAvailable
	}
	return best, nil
}

func (b *Balancer) leastLoaded() (string, error) {
	best := ""
	bestScore := math.MaxInt
	for id, load := range b.workers {
		score := int(math.Round(load.CPUUsage*100)) + int(math.Round(load.MemoryUsage*100)) + load.TenantCount
		if score < bestScore {
			best, bestScore = id, score
		}
	}
	if best == "" {
		return "", ErrNoWorkersAvailable
	}
	return best, nil
}

// consistentHash is hash-partitioning over the sorted worker list, not a
// ring: removing a worker may remap many tenants. Placement stability comes
// from the affinity map, consulted first.
func (b *Balancer) consistentHash(tenantID uuid.UUID) (string, error) {
	key := tenantID.String()
	if workerID, ok := b.affinity[key]; ok {
		if _, registered := b.workers[workerID]; registered {
			return workerID, nil
		}
	}

	if len(b.workers) == 0 {
		return "", ErrNoWorkersAvailable
	}

	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids[xxhash.Sum64String(key)%uint64(len(ids))], nil
}

// GetWorkerForTenant returns the tenant's current worker, if assigned.
func (b *Balancer) GetWorkerForTenant(tenantID uuid.UUID) (string, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	assignment, ok := b.assignments[tenantID]
	return assignment.WorkerID, ok
}

// GetWorkerAssignments returns the tenants currently bound to a worker.
func (b *Balancer) GetWorkerAssignments(workerID string) []uuid.UUID {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	var tenants []uuid.UUID
	for tid, assignment := range b.assignments {
		if assignment.WorkerID == workerID {
			tenants = append(tenants, tid)
		}
	}
	return tenants
}

// Assignments returns a snapshot of the assignment table.
func (b *Balancer) Assignments() map[uuid.UUID]model.TenantAssignment {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := make(map[uuid.UUID]model.TenantAssignment, len(b.assignments))
	for tid, a := range b.assignments {
		out[tid] = a
	}
	return out
}

// Workers returns a snapshot of the worker registry.
func (b *Balancer) Workers() map[string]model.WorkerMetrics {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := make(map[string]model.WorkerMetrics, len(b.workers))
	for id, m := range b.workers {
		out[id] = m
	}
	return out
}

// TenantActivity returns a snapshot of the tenant metrics reported so far.
func (b *Balancer) TenantActivity() map[uuid.UUID]model.TenantMetrics {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	out := make(map[uuid.UUID]model.TenantMetrics, len(b.tenantMetrics))
	for tid, m := range b.tenantMetrics {
		out[tid] = m
	}
	return out
}

// NeedsRebalancing reports whether the fleet is due and uneven enough to
// rebalance: the minimum interval has passed and, with at least two workers,
// the tenant-count spread relative to the mean exceeds the threshold.
func (b *Balancer) NeedsRebalancing() bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.now().Sub(b.lastRebalance) < b.cfg.MinRebalanceInterval {
		return false
	}
	if len(b.workers) < 2 {
		return false
	}

	var total float64
	maxLoad, minLoad := 0.0, math.MaxFloat64
	for _, load := range b.workers {
		tc := float64(load.TenantCount)
		total += tc
		maxLoad = math.Max(maxLoad, tc)
		minLoad = math.Min(minLoad, tc)
	}
	avg := total / float64(len(b.workers))
	if avg == 0 {
		return false
	}
	return (maxLoad-minLoad)/avg > b.cfg.RebalanceThreshold
}

// Rebalance recomputes the whole assignment table: tenants are bucketed by
// activity, each bucket is sorted busiest-first, and every tenant goes to the
// worker with the smallest accumulated activity. Returns the new
// distribution. Two successful calls are separated by at least the minimum
// rebalance interval.
func (b *Balancer) Rebalance() (map[string][]uuid.UUID, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if !b.lastRebalance.IsZero() && b.now().Sub(b.lastRebalance) < b.cfg.MinRebalanceInterval {
		return nil, ErrRebalancedRecently
	}
	if len(b.workers) == 0 {
		return map[string][]uuid.UUID{}, nil
	}

	// every assigned tenant participates, even before any activity metrics
	// were reported for it; unmetered tenants count as idle
	scores := make(map[uuid.UUID]float64, len(b.assignments)+len(b.tenantMetrics))
	for tid := range b.assignments {
		scores[tid] = 0
	}
	for tid, metrics := range b.tenantMetrics {
		scores[tid] = metrics.ActivityScore()
	}

	type scored struct {
		tenantID uuid.UUID
		score    float64
	}
	var high, medium, low []scored
	for tid, score := range scores {
		s := scored{tenantID: tid, score: score}
		switch {
		case s.score > 0.7:
			high = append(high, s)
		case s.score > 0.3:
			medium = append(medium, s)
		default:
			low = append(low, s)
		}
	}
	descending := func(bucket []scored) {
		sort.SliceStable(bucket, func(i, j int) bool { return bucket[i].score > bucket[j].score })
	}
	descending(high)
	descending(medium)
	descending(low)

	workerIDs := make([]string, 0, len(b.workers))
	for id := range b.workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)

	distribution := make(map[string][]uuid.UUID, len(workerIDs))
	accumulators := make(map[string]float64, len(workerIDs))
	for _, id := range workerIDs {
		distribution[id] = nil
		accumulators[id] = 0
	}

	place := func(t scored) {
		best := ""
		bestKey := int64(math.MaxInt64)
		bestCount := math.MaxInt
		for _, id := range workerIDs {
			// fixed-precision key keeps ties deterministic; equal activity
			// falls back to tenant count so idle tenants still spread out
			key := int64(math.Round(accumulators[id] * 1000))
			if key < bestKey || (key == bestKey && len(distribution[id]) < bestCount) {
				best, bestKey, bestCount = id, key, len(distribution[id])
			}
		}
		distribution[best] = append(distribution[best], t.tenantID)
		accumulators[best] += t.score
	}
	for _, bucket := range [][]scored{high, medium, low} {
		for _, t := range bucket {
			place(t)
		}
	}

	prior := b.assignments
	b.assignments = make(map[uuid.UUID]model.TenantAssignment, len(prior))
	for workerID, tenants := range distribution {
		for _, tid := range tenants {
			if old, ok := prior[tid]; ok {
				b.assignments[tid] = old.Reassign(workerID, model.ReasonLoadRebalance)
			} else {
				b.assignments[tid] = model.NewTenantAssignment(tid, workerID, model.ReasonLoadRebalance)
			}
			b.affinity[tid.String()] = workerID
		}
		if load, ok := b.workers[workerID]; ok {
			load.TenantCount = len(tenants)
			b.workers[workerID] = load
		}
	}

	b.lastRebalance = b.now()
	metricRebalances.Inc()
	level.Info(b.logger).Log("msg", "rebalanced tenants", "workers", len(workerIDs), "tenants", len(scores))
	return distribution, nil
}
