// Package blockwatcher runs one scan loop per watched network and broadcasts
// confirmed blocks to every subscribed worker. However many workers a process
// hosts, a network is polled exactly once.
package blockwatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/broadcast"
	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

var (
	metricLastProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ozmonitor",
		Name:      "blockwatcher_last_processed_block",
		Help:      "Highest block broadcast per network.",
	}, []string{"network"})
	metricBlocksBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "blockwatcher_blocks_broadcast_total",
		Help:      "Total blocks broadcast per network.",
	}, []string{"network"})
	metricScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ozmonitor",
		Name:      "blockwatcher_scan_errors_total",
		Help:      "Total abandoned scan iterations per network.",
	}, []string{"network"})
)

// ClientPool hands out chain clients. Satisfied by chain.Pool.
type ClientPool interface {
	Get(ctx context.Context, network model.Network) (chain.Client, error)
}

type networkState struct {
	network model.Network

	mtx                sync.RWMutex
	lastProcessedBlock uint64
	running            bool
}

// Watcher is the shared block watcher service. Register networks with
// AddNetwork, then start the service; workers consume events via Subscribe.
type Watcher struct {
	services.Service

	cfg    Config
	pool   ClientPool
	logger log.Logger

	events *broadcast.Channel[model.BlockEvent]

	mtx      sync.Mutex
	networks map[string]*networkState
	wg       sync.WaitGroup
	started  bool

	// serviceCtx is set once the service starts; loops launched by a late
	// AddNetwork attach to it.
	serviceCtx context.Context
}

// New creates a watcher. It does nothing until its service is started.
func New(cfg Config, pool ClientPool, logger log.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block watcher config: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		events:   broadcast.NewChannel[model.BlockEvent](cfg.ChannelBufferSize),
		networks: make(map[string]*networkState),
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w, nil
}

// AddNetwork registers a network to watch. Re-adding a known slug is a no-op.
// If the watcher is already running, the scan loop starts immediately.
func (w *Watcher) AddNetwork(network model.Network) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if _, ok := w.networks[network.Slug]; ok {
		level.Info(w.logger).Log("msg", "network already registered", "network", network.Slug)
		return
	}

	state := &networkState{network: network}
	w.networks[network.Slug] = state
	level.Info(w.logger).Log("msg", "registered network", "network", network.Slug, "type", network.NetworkType)

	if w.started {
		w.launch(state)
	}
}

// RemoveNetwork stops the network's scan loop on its next iteration.
func (w *Watcher) RemoveNetwork(slug string) {
	w.mtx.Lock()
	state, ok := w.networks[slug]
	delete(w.networks, slug)
	w.mtx.Unlock()

	if !ok {
		return
	}
	state.mtx.Lock()
	state.running = false
	state.mtx.Unlock()
	level.Info(w.logger).Log("msg", "removed network", "network", slug)
}

// Subscribe returns a lossy receiver of block events. Slow receivers drop the
// oldest events and learn how many they missed.
func (w *Watcher) Subscribe() *broadcast.Subscriber[model.BlockEvent] {
	return w.events.Subscribe()
}

// LastProcessedBlock returns the cursor for a network, 0 if unknown.
func (w *Watcher) LastProcessedBlock(slug string) uint64 {
	w.mtx.Lock()
	state, ok := w.networks[slug]
	w.mtx.Unlock()
	if !ok {
		return 0
	}

	state.mtx.RLock()
	defer state.mtx.RUnlock()
	return state.lastProcessedBlock
}

func (w *Watcher) starting(ctx context.Context) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.serviceCtx = ctx
	w.started = true
	for _, state := range w.networks {
		w.launch(state)
	}
	return nil
}

func (w *Watcher) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (w *Watcher) stopping(_ error) error {
	w.mtx.Lock()
	for _, state := range w.networks {
		state.mtx.Lock()
		state.running = false
		state.mtx.Unlock()
	}
	w.mtx.Unlock()

	w.wg.Wait()
	w.events.Close()
	return nil
}

// launch starts one scan loop. Caller holds w.mtx.
func (w *Watcher) launch(state *networkState) {
	state.mtx.Lock()
	if state.running {
		state.mtx.Unlock()
		return
	}
	state.running = true
	state.mtx.Unlock()

	ctx := w.serviceCtx

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchNetwork(ctx, state)
	}()
}

func (w *Watcher) watchNetwork(ctx context.Context, state *networkState) {
	slug := state.network.Slug
	level.Info(w.logger).Log("msg", "starting network watcher", "network", slug)

	interval := state.network.PollInterval()
	for {
		state.mtx.RLock()
		running := state.running
		state.mtx.RUnlock()
		if !running || ctx.Err() != nil {
			level.Info(w.logger).Log("msg", "stopping network watcher", "network", slug)
			return
		}

		processed, err := w.scanOnce(ctx, state)
		if err != nil {
			metricScanErrors.WithLabelValues(slug).Inc()
			level.Error(w.logger).Log("msg", "scan iteration failed", "network", slug, "err", err)
		} else if processed > 0 {
			level.Info(w.logger).Log("msg", "processed blocks", "network", slug, "blocks", processed)
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
}

// scanOnce performs one iteration of the scan loop: find the confirmed head,
// fetch the missed range, broadcast it, advance the cursor. The cursor moves
// only after a successful broadcast, so failed iterations are retried whole.
func (w *Watcher) scanOnce(ctx context.Context, state *networkState) (int, error) {
	network := state.network

	client, err := w.pool.Get(ctx, network)
	if err != nil {
		return 0, fmt.Errorf("getting client: %w", err)
	}

	state.mtx.RLock()
	lastProcessed := state.lastProcessedBlock
	state.mtx.RUnlock()

	latest, err := retryWithBackoff(ctx, w.logger, w.cfg.RetryAttempts, w.cfg.RetryDelay, func() (uint64, error) {
		return client.LatestBlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("latest block number: %w", err)
	}

	latestConfirmed := latest
	if network.ConfirmationBlocks < latestConfirmed {
		latestConfirmed -= network.ConfirmationBlocks
	} else {
		latestConfirmed = 0
	}

	// cold start emits only the confirmed head, no backfill
	start := latestConfirmed
	if lastProcessed != 0 {
		start = lastProcessed + 1
	}
	if start > latestConfirmed {
		return 0, nil
	}

	end := latestConfirmed
	if limit := start + w.cfg.MaxBlocksPerFetch - 1; limit < end {
		end = limit
	}

	blocks, err := retryWithBackoff(ctx, w.logger, w.cfg.RetryAttempts, w.cfg.RetryDelay, func() ([]model.Block, error) {
		return client.Blocks(ctx, start, &end)
	})
	if err != nil {
		return 0, fmt.Errorf("fetching blocks [%d..%d]: %w", start, end, err)
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	event := model.BlockEvent{
		Network:   network,
		Blocks:    blocks,
		Timestamp: time.Now().UTC(),
	}
	if w.events.Subscribers() == 0 {
		level.Warn(w.logger).Log("msg", "no subscribers for block events", "network", network.Slug)
	}
	if err := w.events.Send(event); err != nil {
		return 0, fmt.Errorf("broadcasting blocks: %w", err)
	}

	state.mtx.Lock()
	state.lastProcessedBlock = end
	state.mtx.Unlock()

	metricLastProcessedBlock.WithLabelValues(network.Slug).Set(float64(end))
	metricBlocksBroadcast.WithLabelValues(network.Slug).Add(float64(len(blocks)))
	return len(blocks), nil
}

// retryWithBackoff retries fn up to attempts times, sleeping base·2^(k−1)
// after the k-th failure. No jitter: retry timing is part of the watcher's
// contract with its tests.
func retryWithBackoff[T any](ctx context.Context, logger log.Logger, attempts int, base time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= attempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", attempts, err)
		}

		delay := base * (1 << (attempt - 1))
		level.Warn(logger).Log("msg", "retrying after failure", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}
