package app

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/modules/worker"
)

func TestUserVisibleTargets(t *testing.T) {
	a, err := New(*newDefaultConfig(t), log.NewNopLogger())
	require.NoError(t, err)

	for _, target := range []string{All, Worker, BlockWatcher, API} {
		assert.True(t, a.moduleManager.IsUserVisibleModule(target), target)
	}
	for _, internal := range []string{Store, Balancer, WorkerPool, Bootstrap} {
		assert.False(t, a.moduleManager.IsUserVisibleModule(internal), internal)
	}
}

// The api target must come up without a database or redis connection.
func TestAPITargetInitsWithoutBackends(t *testing.T) {
	cfg := newDefaultConfig(t)
	cfg.Target = API
	require.NoError(t, cfg.Validate())

	a, err := New(*cfg, log.NewNopLogger())
	require.NoError(t, err)

	svcs, err := a.moduleManager.InitModuleServices(API)
	require.NoError(t, err)

	assert.NotNil(t, a.balancer)
	assert.NotNil(t, a.api)
	assert.Nil(t, a.workerPool)
	assert.Contains(t, svcs, API)
}

// Bootstrap must not claim tenants before the worker pool can host them.
func TestBootstrapWaitsForWorkerPool(t *testing.T) {
	cfg := newDefaultConfig(t)
	pool, err := worker.NewPool(cfg.Worker, nil, nil, log.NewNopLogger())
	require.NoError(t, err)

	a := &App{cfg: *cfg, logger: log.NewNopLogger(), workerPool: pool}

	// the pool never starts, so bootstrap has to give up with the context
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = a.bootstrapStarting(ctx)
	require.ErrorContains(t, err, "worker pool")
}
