package tenantstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

// fakeRows replays canned rows through the pgx.Rows interface.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: %d != %d", len(dest), len(row))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *[]byte:
			*d = []byte(row[i].(string))
		case *int:
			*d = row[i].(int)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

// fakeDB maps a substring of the query text to canned rows.
type fakeDB struct {
	rows     map[string][][]any
	queryErr error
	lastArgs []any
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	db.lastArgs = args
	for frag, rows := range db.rows {
		if frag != "" && strings.Contains(sql, frag) {
			return &fakeRows{rows: rows}, nil
		}
	}
	return &fakeRows{}, nil
}

func newTestStore(db *fakeDB, scriptDir string) *Store {
	return newWithQuerier(db, scriptDir, log.NewNopLogger())
}

func TestTenantFilterIsCopied(t *testing.T) {
	s := newTestStore(&fakeDB{}, "")

	in := []uuid.UUID{uuid.New(), uuid.New()}
	s.SetTenantFilter(in)
	in[0] = uuid.Nil

	got := s.TenantFilter()
	require.Len(t, got, 2)
	assert.NotEqual(t, uuid.Nil, got[0])
}

func TestAllMonitorsOverlaysNameAndNetwork(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenant_monitors m": {
			{"transfers", `{"networks":["ethereum"],"addresses":[{"address":"0xdead"}]}`, "ethereum"},
			{"mints", `{}`, "stellar"},
		},
	}}
	s := newTestStore(db, "")
	tid := uuid.New()
	s.SetTenantFilter([]uuid.UUID{tid})

	monitors, err := s.AllMonitors(context.Background())
	require.NoError(t, err)
	require.Len(t, monitors, 2)

	m := monitors["transfers"]
	assert.Equal(t, "transfers", m.Name)
	assert.Equal(t, []string{"ethereum"}, m.Networks)
	require.Len(t, m.Addresses, 1)

	// blob with no networks picks up the joined slug
	assert.Equal(t, []string{"stellar"}, monitors["mints"].Networks)

	// filter travels with the query
	require.Len(t, db.lastArgs, 1)
	assert.Equal(t, []string{tid.String()}, db.lastArgs[0])
}

func TestMonitorsForIgnoresStoreFilter(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenant_monitors m": {{"transfers", `{"networks":["ethereum"]}`, "ethereum"}},
	}}
	s := newTestStore(db, "")
	s.SetTenantFilter([]uuid.UUID{uuid.New(), uuid.New()})

	tid := uuid.New()
	_, err := s.MonitorsFor(context.Background(), []uuid.UUID{tid})
	require.NoError(t, err)

	// only the explicit scope travels with the query
	require.Len(t, db.lastArgs, 1)
	assert.Equal(t, []string{tid.String()}, db.lastArgs[0])
}

func TestAllMonitorsRejectsBadConfiguration(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenant_monitors m": {{"broken", `not json`, "ethereum"}},
	}}
	s := newTestStore(db, "")

	_, err := s.AllMonitors(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestAllNetworksFillsDefaults(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenant_networks n": {
			{"ethereum", "evm", `{"confirmation_blocks":12,"rpc_urls":["http://localhost:8545"]}`},
			{"stellar-mainnet", "stellar", `{"slug":"stellar"}`},
		},
	}}
	s := newTestStore(db, "")

	networks, err := s.AllNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, networks, 2)

	eth := networks["ethereum"]
	assert.Equal(t, "ethereum", eth.Slug)
	assert.Equal(t, model.NetworkTypeEVM, eth.NetworkType)
	assert.Equal(t, uint64(12), eth.ConfirmationBlocks)

	// explicit slug in the blob wins over the row name
	stellar, ok := networks["stellar"]
	require.True(t, ok)
	assert.Equal(t, "stellar-mainnet", stellar.Name)
	assert.Equal(t, model.NetworkTypeStellar, stellar.NetworkType)
}

func TestAllTriggers(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenant_triggers t\nWHERE": {
			{"notify-slack", "webhook", `{"configuration":{"url":"https://hooks.example.com"}}`},
		},
	}}
	s := newTestStore(db, "")

	triggers, err := s.AllTriggers(context.Background())
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "webhook", triggers["notify-slack"].Type)
	assert.NotEmpty(t, triggers["notify-slack"].Configuration)
}

func TestTriggersByMonitor(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"JOIN tenant_monitors m ON": {
			{"a", "webhook", ``},
			{"b", "slack", ``},
		},
	}}
	s := newTestStore(db, "")

	triggers, err := s.TriggersByMonitor(context.Background(), "mon-1")
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "a", triggers[0].Name)
	assert.Equal(t, "mon-1", db.lastArgs[0])
}

func TestLoadScriptFromDatabase(t *testing.T) {
	db := &fakeDB{rows: map[string][][]any{
		"FROM trigger_scripts s": {{"return true;"}},
	}}
	s := newTestStore(db, "")

	content, err := s.LoadScript(context.Background(), "gate.js")
	require.NoError(t, err)
	assert.Equal(t, "return true;", content)
}

func TestLoadScriptFilesystemFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gate.js"), []byte("return false;"), 0o600))

	s := newTestStore(&fakeDB{}, dir)

	content, err := s.LoadScript(context.Background(), "gate.js")
	require.NoError(t, err)
	assert.Equal(t, "return false;", content)

	_, err = s.LoadScript(context.Background(), "missing.js")
	require.Error(t, err)
}

func TestAllTenantIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	db := &fakeDB{rows: map[string][][]any{
		"SELECT DISTINCT tenant_id": {{a.String()}, {b.String()}},
	}}
	s := newTestStore(db, "")

	ids, err := s.AllTenantIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
}

func TestQueryErrorsSurface(t *testing.T) {
	db := &fakeDB{queryErr: errors.New("connection reset")}
	s := newTestStore(db, "")
	ctx := context.Background()

	_, err := s.AllMonitors(ctx)
	require.Error(t, err)
	_, err = s.AllNetworks(ctx)
	require.Error(t, err)
	_, err = s.AllTriggers(ctx)
	require.Error(t, err)
	_, err = s.AllTenantIDs(ctx)
	require.Error(t, err)
	_, err = s.LoadScript(ctx, "gate.js")
	require.Error(t, err)
}

func TestAllTenants(t *testing.T) {
	active := uuid.New()
	suspended := uuid.New()
	db := &fakeDB{rows: map[string][][]any{
		"FROM tenants": {
			{active.String(), "acme", "active", 3, 25},
			{suspended.String(), "globex", "suspended", 1, 10},
		},
	}}
	store := newTestStore(db, t.TempDir())

	tenants, err := store.AllTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, active, tenants[0].ID)
	assert.Equal(t, "acme", tenants[0].Name)
	assert.Equal(t, model.TenantActive, tenants[0].Status)
	assert.Equal(t, model.TenantPriority(3), tenants[0].Priority)
	assert.Equal(t, 25, tenants[0].MaxMonitors)
	assert.True(t, tenants[0].Active())

	assert.Equal(t, model.TenantSuspended, tenants[1].Status)
	assert.False(t, tenants[1].Active())
}
