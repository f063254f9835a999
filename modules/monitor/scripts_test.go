package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

type fakeResolver struct {
	scripts map[string]string
	loads   int
}

func (r *fakeResolver) LoadScript(_ context.Context, name string) (string, error) {
	r.loads++
	content, ok := r.scripts[name]
	if !ok {
		return "", errors.New("script not found")
	}
	return content, nil
}

func evalMatch() model.MonitorMatch {
	return model.MonitorMatch{
		NetworkSlug: "ethereum",
		NetworkType: model.NetworkTypeEVM,
		BlockHeight: 100,
		Transaction: model.Transaction{Hash: "0x1", To: "0xdead", Value: "5000"},
	}
}

func TestEvaluateVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    bool
	}{
		{"literal true", `true`, true},
		{"literal false", `false`, false},
		{"reads the match", `match.transaction.to === "0xdead"`, true},
		{"numeric threshold", `parseInt(match.transaction.value) > 10000`, false},
		{"truthy coercion", `match.block_height`, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resolver := &fakeResolver{scripts: map[string]string{"cond.js": tc.script}}
			engine := NewScriptEngine(resolver, log.NewNopLogger())

			got, err := engine.Evaluate(context.Background(), model.TriggerCondition{Script: "cond.js"}, evalMatch())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateSeesArguments(t *testing.T) {
	resolver := &fakeResolver{scripts: map[string]string{"cond.js": `args[0] === "usdc" && fromCustomNotification === false`}}
	engine := NewScriptEngine(resolver, log.NewNopLogger())

	got, err := engine.Evaluate(context.Background(), model.TriggerCondition{
		Script:    "cond.js",
		Arguments: []string{"usdc"},
	}, evalMatch())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateMissingScriptErrors(t *testing.T) {
	engine := NewScriptEngine(&fakeResolver{}, log.NewNopLogger())

	_, err := engine.Evaluate(context.Background(), model.TriggerCondition{Script: "gone.js"}, evalMatch())
	require.Error(t, err)
}

func TestEvaluateUnsupportedLanguage(t *testing.T) {
	resolver := &fakeResolver{scripts: map[string]string{"cond.py": `True`}}
	engine := NewScriptEngine(resolver, log.NewNopLogger())

	_, err := engine.Evaluate(context.Background(), model.TriggerCondition{Script: "cond.py", Language: "python"}, evalMatch())
	require.Error(t, err)
}

func TestEvaluateBrokenScriptErrors(t *testing.T) {
	resolver := &fakeResolver{scripts: map[string]string{"cond.js": `this is not javascript`}}
	engine := NewScriptEngine(resolver, log.NewNopLogger())

	_, err := engine.Evaluate(context.Background(), model.TriggerCondition{Script: "cond.js"}, evalMatch())
	require.Error(t, err)
}

func TestEvaluateTimeout(t *testing.T) {
	resolver := &fakeResolver{scripts: map[string]string{"spin.js": `while (true) {}`}}
	engine := NewScriptEngine(resolver, log.NewNopLogger())

	_, err := engine.Evaluate(context.Background(), model.TriggerCondition{Script: "spin.js", TimeoutMS: 50}, evalMatch())
	require.Error(t, err)
}

func TestScriptContentIsCached(t *testing.T) {
	resolver := &fakeResolver{scripts: map[string]string{"cond.js": `true`}}
	engine := NewScriptEngine(resolver, log.NewNopLogger())
	ctx := context.Background()
	cond := model.TriggerCondition{Script: "cond.js"}

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(ctx, cond, evalMatch())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, resolver.loads)

	engine.Invalidate()
	_, err := engine.Evaluate(ctx, cond, evalMatch())
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.loads)
}
