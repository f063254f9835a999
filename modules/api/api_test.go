package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/modules/loadbalancer"
	"github.com/oz-monitor/orchestrator/modules/worker"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

type fakeWorkers struct {
	infos []worker.Info
}

func (f *fakeWorkers) ListWorkers() []worker.Info { return f.infos }

func newTestBalancer(t *testing.T) *loadbalancer.Balancer {
	t.Helper()

	b, err := loadbalancer.New(loadbalancer.Config{
		Strategy:             loadbalancer.RoundRobin,
		MaxTenantsPerWorker:  50,
		RebalanceThreshold:   0.2,
		MinRebalanceInterval: 5 * time.Minute,
	}, log.NewNopLogger())
	require.NoError(t, err)
	return b
}

type fakeCacheStats struct {
	rate float64
}

func (f *fakeCacheStats) HitRate() float64 { return f.rate }

func startTestAPI(t *testing.T, workers WorkerLister, balancer BalancerView, cache CacheStats) string {
	t.Helper()

	cfg := Config{ListenAddress: "127.0.0.1:0", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	a, err := New(cfg, workers, balancer, cache, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), a))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), a))
	})
	return "http://" + a.Addr()
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestReadyAndMetrics(t *testing.T) {
	base := startTestAPI(t, nil, nil, nil)

	code, body := get(t, base+"/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready\n", string(body))

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestEndpointsAbsentWithoutCollaborators(t *testing.T) {
	base := startTestAPI(t, nil, nil, nil)

	code, _ := get(t, base+"/api/v1/workers")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, base+"/api/v1/assignments")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListWorkers(t *testing.T) {
	workers := &fakeWorkers{infos: []worker.Info{
		{ID: "w1", Status: worker.Status{State: worker.StateRunning}, TenantCount: 3},
	}}
	base := startTestAPI(t, workers, nil, nil)

	code, body := get(t, base+"/api/v1/workers")
	require.Equal(t, http.StatusOK, code)

	var infos []worker.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "w1", infos[0].ID)
	assert.Equal(t, worker.StateRunning, infos[0].Status.State)
}

func TestAssignments(t *testing.T) {
	balancer := newTestBalancer(t)
	balancer.AddWorker("w1")
	tid := uuid.New()
	_, err := balancer.AssignTenant(tid)
	require.NoError(t, err)

	base := startTestAPI(t, nil, balancer, nil)

	code, body := get(t, base+"/api/v1/assignments")
	require.Equal(t, http.StatusOK, code)

	var resp assignmentsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Assignments, 1)
	assert.Equal(t, tid, resp.Assignments[0].TenantID)
	assert.Equal(t, "w1", resp.Assignments[0].WorkerID)
	assert.Contains(t, resp.Workers, "w1")
}

func TestManualRebalance(t *testing.T) {
	balancer := newTestBalancer(t)
	balancer.AddWorker("w1")
	balancer.UpdateTenantMetrics(model.TenantMetrics{TenantID: uuid.New()})

	base := startTestAPI(t, nil, balancer, nil)

	resp, err := http.Post(base+"/api/v1/rebalance", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var distribution map[string][]uuid.UUID
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&distribution))
	assert.Contains(t, distribution, "w1")

	// a second rebalance inside the pacing window is rejected
	resp2, err := http.Post(base+"/api/v1/rebalance", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
}

func TestStatus(t *testing.T) {
	balancer := newTestBalancer(t)
	balancer.AddWorker("w1")
	balancer.AddWorker("w2")
	balancer.UpdateWorkerMetrics(model.WorkerMetrics{WorkerID: "w1", RPCRate: 12.5})
	balancer.UpdateTenantMetrics(model.TenantMetrics{TenantID: uuid.New(), MonitorsCount: 4, TotalMatchesLastHour: 7})
	_, err := balancer.AssignTenant(uuid.New())
	require.NoError(t, err)

	base := startTestAPI(t, nil, balancer, &fakeCacheStats{rate: 0.9})

	code, body := get(t, base+"/api/v1/status")
	require.Equal(t, http.StatusOK, code)

	var status model.SystemMetrics
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, 2, status.ActiveWorkers)
	assert.Equal(t, 1, status.ActiveTenants)
	assert.Equal(t, 4, status.TotalMonitors)
	assert.Equal(t, 7, status.TotalMatchesLastHour)
	assert.InDelta(t, 12.5, status.TotalRPCRate, 0.001)
	assert.InDelta(t, 0.9, status.CacheHitRate, 0.001)
	assert.Equal(t, 100.0, status.HealthScore)
	assert.True(t, status.Healthy())
}

func TestRebalanceRequiresPost(t *testing.T) {
	base := startTestAPI(t, nil, newTestBalancer(t), nil)

	code, _ := get(t, base+"/api/v1/rebalance")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg.ListenAddress = fmt.Sprintf(":%d", 8080)
	assert.NoError(t, cfg.Validate())
}
