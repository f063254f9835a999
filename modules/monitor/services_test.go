package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

type fakeStore struct {
	monitors map[string]model.Monitor
	networks map[string]model.Network
	triggers map[string]model.Trigger
	scripts  map[string]string

	lastScope    []uuid.UUID
	monitorLoads int
}

func (s *fakeStore) MonitorsFor(_ context.Context, ids []uuid.UUID) (map[string]model.Monitor, error) {
	s.monitorLoads++
	s.lastScope = ids
	return s.monitors, nil
}

func (s *fakeStore) NetworksFor(context.Context, []uuid.UUID) (map[string]model.Network, error) {
	return s.networks, nil
}

func (s *fakeStore) TriggersFor(context.Context, []uuid.UUID) (map[string]model.Trigger, error) {
	return s.triggers, nil
}

func (s *fakeStore) LoadScript(_ context.Context, name string) (string, error) {
	content, ok := s.scripts[name]
	if !ok {
		return "", errors.New("script not found")
	}
	return content, nil
}

type nopClient struct{}

func (nopClient) LatestBlockNumber(context.Context) (uint64, error)            { return 0, nil }
func (nopClient) Blocks(context.Context, uint64, *uint64) ([]model.Block, error) { return nil, nil }
func (nopClient) ContractSpec(context.Context, string) ([]byte, error)           { return nil, nil }
func (nopClient) Close()                                                         {}

type nopPool struct{}

func (nopPool) Get(context.Context, model.Network) (chain.Client, error) { return nopClient{}, nil }

type recordingExecutor struct {
	calls []struct {
		triggers  []model.Trigger
		variables map[string]string
	}
}

func (r *recordingExecutor) Execute(_ context.Context, triggers []model.Trigger, variables map[string]string, _ model.MonitorMatch) error {
	r.calls = append(r.calls, struct {
		triggers  []model.Trigger
		variables map[string]string
	}{triggers, variables})
	return nil
}

func evmTestNetwork() model.Network {
	return model.Network{Slug: "ethereum", NetworkType: model.NetworkTypeEVM}
}

func newTestServices(store *fakeStore) (*Services, *recordingExecutor) {
	executor := &recordingExecutor{}
	scripts := NewScriptEngine(store, log.NewNopLogger())
	svc := NewServices(store, nopPool{}, AddressFilter{}, executor, scripts, log.NewNopLogger())
	return svc, executor
}

func monitorFor(address string, conds ...model.TriggerCondition) model.Monitor {
	return model.Monitor{
		Name:              "transfers",
		Networks:          []string{"ethereum"},
		Addresses:         []model.AddressWithSpec{{Address: address}},
		Triggers:          []string{"notify"},
		TriggerConditions: conds,
	}
}

func TestProcessBlockMatchesMonitoredAddress(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xDEAD")},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)
	tid := uuid.New()

	block := model.Block{Height: 100, Transactions: []model.Transaction{
		{Hash: "0x1", To: "0xdead"}, // case-insensitive hit
		{Hash: "0x2", To: "0xbeef"}, // different address
		{Hash: "0x3"},               // contract creation, dropped
	}}

	matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), block, []uuid.UUID{tid})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, tid, matches[0].TenantID)
	assert.Equal(t, "transfers", matches[0].MonitorName)
	assert.Equal(t, "0x1", matches[0].Match.Transaction.Hash)
	assert.Equal(t, []uuid.UUID{tid}, store.lastScope, "queries are scoped to the processed tenant")
}

// tenantScopedStore serves a distinct configuration per tenant, the way the
// real repository does.
type tenantScopedStore struct {
	monitorsByTenant map[uuid.UUID]map[string]model.Monitor
	networks         map[string]model.Network
}

func (s *tenantScopedStore) MonitorsFor(_ context.Context, ids []uuid.UUID) (map[string]model.Monitor, error) {
	out := make(map[string]model.Monitor)
	for _, id := range ids {
		for name, m := range s.monitorsByTenant[id] {
			out[name] = m
		}
	}
	return out, nil
}

func (s *tenantScopedStore) NetworksFor(context.Context, []uuid.UUID) (map[string]model.Network, error) {
	return s.networks, nil
}

func (s *tenantScopedStore) TriggersFor(context.Context, []uuid.UUID) (map[string]model.Trigger, error) {
	return map[string]model.Trigger{}, nil
}

func (s *tenantScopedStore) LoadScript(context.Context, string) (string, error) {
	return "", errors.New("script not found")
}

// Two workers share one Services value. Each tenant's matches must only ever
// come from that tenant's own monitors, no matter how the calls interleave.
func TestProcessBlockConcurrentTenantsStayIsolated(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	store := &tenantScopedStore{
		monitorsByTenant: map[uuid.UUID]map[string]model.Monitor{
			tenantA: {"a-transfers": {Name: "a-transfers", Networks: []string{"ethereum"}, Addresses: []model.AddressWithSpec{{Address: "0xaaaa"}}}},
			tenantB: {"b-transfers": {Name: "b-transfers", Networks: []string{"ethereum"}, Addresses: []model.AddressWithSpec{{Address: "0xbbbb"}}}},
		},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
	}
	executor := &recordingExecutor{}
	svc := NewServices(store, nopPool{}, AddressFilter{}, executor, NewScriptEngine(store, log.NewNopLogger()), log.NewNopLogger())

	// both tenants' addresses appear in every block
	block := model.Block{Height: 7, Transactions: []model.Transaction{
		{Hash: "0x1", To: "0xaaaa"},
		{Hash: "0x2", To: "0xbbbb"},
	}}

	var wg sync.WaitGroup
	fail := make(chan string, 200)
	process := func(tid uuid.UUID, monitorName string) {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), block, []uuid.UUID{tid})
			if err != nil {
				fail <- err.Error()
				return
			}
			if len(matches) != 1 {
				fail <- fmt.Sprintf("tenant %s got %d matches", tid, len(matches))
				return
			}
			if matches[0].TenantID != tid || matches[0].MonitorName != monitorName {
				fail <- fmt.Sprintf("tenant %s received match for monitor %q", tid, matches[0].MonitorName)
				return
			}
		}
	}

	wg.Add(2)
	go process(tenantA, "a-transfers")
	go process(tenantB, "b-transfers")
	wg.Wait()

	close(fail)
	for msg := range fail {
		t.Error(msg)
	}
}

func TestProcessBlockSkipsTenantsWithoutMonitorsForNetwork(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{"other": {Name: "other", Networks: []string{"polygon"}}},
		networks: map[string]model.Network{},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)

	matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), model.Block{Height: 1}, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestProcessBlockStellarSubjectFromOperations(t *testing.T) {
	stellar := model.Network{Slug: "stellar", NetworkType: model.NetworkTypeStellar}
	m := model.Monitor{
		Name:      "soroban",
		Networks:  []string{"stellar"},
		Addresses: []model.AddressWithSpec{{Address: "CCONTRACT"}},
	}
	store := &fakeStore{
		monitors: map[string]model.Monitor{"soroban": m},
		networks: map[string]model.Network{"stellar": stellar},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)

	block := model.Block{Height: 5, Transactions: []model.Transaction{{
		Hash: "tx1",
		Operations: []model.Operation{
			{Type: "payment"},
			{Type: "invoke_host_function", ContractID: "ccontract"},
		},
	}}}

	matches, err := svc.ProcessBlock(context.Background(), stellar, block, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "soroban", matches[0].MonitorName)
}

func TestFalseConditionExcludesMatch(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xdead", model.TriggerCondition{Script: "gate.js"})},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{},
		scripts:  map[string]string{"gate.js": `false`},
	}
	svc, _ := newTestServices(store)

	block := model.Block{Height: 100, Transactions: []model.Transaction{{Hash: "0x1", To: "0xdead"}}}
	matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), block, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTrueConditionIncludesMatch(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xdead", model.TriggerCondition{Script: "gate.js"})},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{},
		scripts:  map[string]string{"gate.js": `match.transaction.to === "0xdead"`},
	}
	svc, _ := newTestServices(store)

	block := model.Block{Height: 100, Transactions: []model.Transaction{{Hash: "0x1", To: "0xdead"}}}
	matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), block, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMissingScriptFailsOpen(t *testing.T) {
	// the condition's script exists nowhere; the match must still be included
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xdead", model.TriggerCondition{Script: "gone.js"})},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)

	block := model.Block{Height: 100, Transactions: []model.Transaction{{Hash: "0x1", To: "0xdead"}}}
	matches, err := svc.ProcessBlock(context.Background(), evmTestNetwork(), block, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	require.Len(t, matches, 1, "a broken condition must not suppress the match")
}

func TestExecuteTriggersResolvesMonitorTriggers(t *testing.T) {
	cfg := json.RawMessage(`{"channel":"#alerts"}`)
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xdead")},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{"notify": {Name: "notify", Type: "slack", Configuration: cfg}},
	}
	svc, executor := newTestServices(store)
	tid := uuid.New()

	err := svc.ExecuteTriggers(context.Background(), model.TenantMonitorMatch{
		TenantID:    tid,
		MonitorName: "Transfers", // case-insensitive lookup
		Match:       model.MonitorMatch{NetworkSlug: "ethereum"},
	})
	require.NoError(t, err)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, "notify", executor.calls[0].triggers[0].Name)
	assert.Equal(t, "transfers", executor.calls[0].variables["monitor_name"])
	assert.Equal(t, "ethereum", executor.calls[0].variables["network"])
}

func TestExecuteTriggersUnknownMonitor(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{},
		networks: map[string]model.Network{},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)

	err := svc.ExecuteTriggers(context.Background(), model.TenantMonitorMatch{
		TenantID:    uuid.New(),
		MonitorName: "ghost",
	})
	require.Error(t, err)
}

func TestReloadInvalidatesMonitorCache(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{"transfers": monitorFor("0xdead")},
		networks: map[string]model.Network{"ethereum": evmTestNetwork()},
		triggers: map[string]model.Trigger{},
	}
	svc, _ := newTestServices(store)
	tid := uuid.New()
	ctx := context.Background()
	block := model.Block{Height: 1, Transactions: []model.Transaction{{Hash: "0x1", To: "0xdead"}}}

	_, err := svc.ProcessBlock(ctx, evmTestNetwork(), block, []uuid.UUID{tid})
	require.NoError(t, err)
	_, err = svc.ProcessBlock(ctx, evmTestNetwork(), block, []uuid.UUID{tid})
	require.NoError(t, err)
	assert.Equal(t, 1, store.monitorLoads, "monitors are memoized per tenant")

	svc.ReloadConfigurations(ctx, []uuid.UUID{tid})

	_, err = svc.ProcessBlock(ctx, evmTestNetwork(), block, []uuid.UUID{tid})
	require.NoError(t, err)
	assert.Equal(t, 2, store.monitorLoads, "reload forces a fresh monitor load")
}

func TestActiveNetworks(t *testing.T) {
	store := &fakeStore{
		monitors: map[string]model.Monitor{
			"a": {Name: "a", Networks: []string{"ethereum", "polygon"}},
			"b": {Name: "b", Networks: []string{"stellar"}},
		},
	}
	svc, _ := newTestServices(store)

	networks, err := svc.ActiveNetworks(context.Background(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Len(t, networks, 3)
	assert.Contains(t, networks, "stellar")
}
