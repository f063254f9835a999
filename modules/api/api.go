// Package api is the management surface of the orchestrator: readiness,
// metrics, and a read view of workers and assignments, plus a manual
// rebalance hook. Tenant configuration CRUD lives elsewhere; this surface is
// for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oz-monitor/orchestrator/modules/loadbalancer"
	"github.com/oz-monitor/orchestrator/modules/worker"
	"github.com/oz-monitor/orchestrator/pkg/model"
	"github.com/oz-monitor/orchestrator/pkg/util"
)

// Config controls the management HTTP server.
type Config struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, util.PrefixConfig(prefix, "listen-address"), ":8080", "Address the management API listens on.")
	f.DurationVar(&cfg.ReadTimeout, util.PrefixConfig(prefix, "read-timeout"), 10*time.Second, "HTTP read timeout.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 30*time.Second, "HTTP write timeout.")
}

// Validate checks config values.
func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return errors.New("listen_address must not be empty")
	}
	return nil
}

// WorkerLister exposes the worker pool's registry. Satisfied by worker.Pool.
type WorkerLister interface {
	ListWorkers() []worker.Info
}

// BalancerView exposes the load balancer state the API serves. Satisfied by
// loadbalancer.Balancer.
type BalancerView interface {
	Assignments() map[uuid.UUID]model.TenantAssignment
	Workers() map[string]model.WorkerMetrics
	TenantActivity() map[uuid.UUID]model.TenantMetrics
	Rebalance() (map[string][]uuid.UUID, error)
}

// CacheStats reports block cache effectiveness. Satisfied by
// blockcache.Cache; nil when the process runs without a cache.
type CacheStats interface {
	HitRate() float64
}

// API serves the management endpoints as a dskit service.
type API struct {
	services.Service

	cfg      Config
	workers  WorkerLister
	balancer BalancerView
	cache    CacheStats
	logger   log.Logger

	server   *http.Server
	listener net.Listener
}

// New creates the API server. workers, balancer and cache may be nil in
// modes that do not host them; the corresponding endpoints then return 404.
func New(cfg Config, workers WorkerLister, balancer BalancerView, cache CacheStats, logger log.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}

	a := &API{
		cfg:      cfg,
		workers:  workers,
		balancer: balancer,
		cache:    cache,
		logger:   logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ready", a.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if workers != nil {
		router.HandleFunc("/api/v1/workers", a.workersHandler).Methods(http.MethodGet)
	}
	if balancer != nil {
		router.HandleFunc("/api/v1/assignments", a.assignmentsHandler).Methods(http.MethodGet)
		router.HandleFunc("/api/v1/status", a.statusHandler).Methods(http.MethodGet)
		router.HandleFunc("/api/v1/rebalance", a.rebalanceHandler).Methods(http.MethodPost)
	}

	a.server = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a, nil
}

func (a *API) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.ListenAddress, err)
	}
	a.listener = listener
	level.Info(a.logger).Log("msg", "management api listening", "addr", listener.Addr())
	return nil
}

func (a *API) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(a.listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *API) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when the port was 0.
func (a *API) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *API) readyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *API) workersHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.workers.ListWorkers())
}

type assignmentsResponse struct {
	Assignments []model.TenantAssignment       `json:"assignments"`
	Workers     map[string]model.WorkerMetrics `json:"workers"`
}

func (a *API) assignmentsHandler(w http.ResponseWriter, _ *http.Request) {
	table := a.balancer.Assignments()
	resp := assignmentsResponse{
		Assignments: make([]model.TenantAssignment, 0, len(table)),
		Workers:     a.balancer.Workers(),
	}
	for _, assignment := range table {
		resp.Assignments = append(resp.Assignments, assignment)
	}
	writeJSON(w, resp)
}

// statusHandler aggregates fleet health from the balancer's snapshots.
func (a *API) statusHandler(w http.ResponseWriter, _ *http.Request) {
	workers := a.balancer.Workers()
	activity := a.balancer.TenantActivity()

	status := model.SystemMetrics{
		ActiveWorkers: len(workers),
		ActiveTenants: len(a.balancer.Assignments()),
		CacheHitRate:  1.0, // cacheless processes don't get penalized
		CollectedAt:   time.Now(),
	}
	for _, m := range workers {
		status.TotalRPCRate += m.RPCRate
	}
	for _, m := range activity {
		status.TotalMonitors += m.MonitorsCount
		status.TotalMatchesLastHour += m.TotalMatchesLastHour
	}
	if a.cache != nil {
		status.CacheHitRate = a.cache.HitRate()
	}
	status.CalculateHealthScore()

	writeJSON(w, status)
}

func (a *API) rebalanceHandler(w http.ResponseWriter, _ *http.Request) {
	distribution, err := a.balancer.Rebalance()
	if err != nil {
		if errors.Is(err, loadbalancer.ErrRebalancedRecently) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		level.Error(a.logger).Log("msg", "manual rebalance failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, distribution)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
