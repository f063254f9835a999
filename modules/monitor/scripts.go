package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

var metricScriptErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ozmonitor",
	Name:      "monitor_script_errors_total",
	Help:      "Total trigger-condition script failures by stage.",
}, []string{"stage"})

// ScriptResolver loads script content by reference. Satisfied by
// tenantstore.Store.
type ScriptResolver interface {
	LoadScript(ctx context.Context, name string) (string, error)
}

// ScriptEngine evaluates trigger-condition scripts. Content is cached by the
// script reference string; the engine itself is stateless per evaluation, a
// fresh VM runs every condition so tenant scripts cannot observe each other.
type ScriptEngine struct {
	resolver ScriptResolver
	logger   log.Logger

	mtx   sync.RWMutex
	cache map[string]string
}

// NewScriptEngine creates an engine backed by the given resolver.
func NewScriptEngine(resolver ScriptResolver, logger log.Logger) *ScriptEngine {
	return &ScriptEngine{
		resolver: resolver,
		logger:   logger,
		cache:    make(map[string]string),
	}
}

// Invalidate drops cached content for the given script references; with no
// references, the whole cache is dropped.
func (e *ScriptEngine) Invalidate(refs ...string) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if len(refs) == 0 {
		e.cache = make(map[string]string)
		return
	}
	for _, ref := range refs {
		delete(e.cache, ref)
	}
}

func (e *ScriptEngine) resolve(ctx context.Context, ref string) (string, error) {
	e.mtx.RLock()
	content, ok := e.cache[ref]
	e.mtx.RUnlock()
	if ok {
		return content, nil
	}

	content, err := e.resolver.LoadScript(ctx, ref)
	if err != nil {
		return "", err
	}

	e.mtx.Lock()
	e.cache[ref] = content
	e.mtx.Unlock()
	return content, nil
}

// Evaluate runs one trigger condition against a match. The script sees the
// globals `match` (the match as a plain object), `args` (the declared
// argument list) and `fromCustomNotification` (false); its final expression
// value is the verdict. The declared timeout interrupts long scripts.
//
// Only JavaScript is supported; other language tags are an error, which the
// caller treats as fail-open.
func (e *ScriptEngine) Evaluate(ctx context.Context, cond model.TriggerCondition, match model.MonitorMatch) (bool, error) {
	switch cond.Language {
	case "", "javascript", "JavaScript":
	default:
		metricScriptErrors.WithLabelValues("load").Inc()
		return false, fmt.Errorf("unsupported script language %q", cond.Language)
	}

	content, err := e.resolve(ctx, cond.Script)
	if err != nil {
		metricScriptErrors.WithLabelValues("load").Inc()
		return false, fmt.Errorf("loading script %q: %w", cond.Script, err)
	}

	vm := goja.New()
	if err := setMatchGlobal(vm, match); err != nil {
		metricScriptErrors.WithLabelValues("execute").Inc()
		return false, err
	}
	if err := vm.Set("args", cond.Arguments); err != nil {
		return false, err
	}
	if err := vm.Set("fromCustomNotification", false); err != nil {
		return false, err
	}

	timeout := time.Duration(cond.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("trigger condition timed out")
	})
	defer timer.Stop()

	value, err := vm.RunString(content)
	if err != nil {
		metricScriptErrors.WithLabelValues("execute").Inc()
		level.Warn(e.logger).Log("msg", "trigger condition script failed", "script", cond.Script, "err", err)
		return false, fmt.Errorf("executing script %q: %w", cond.Script, err)
	}
	return value.ToBoolean(), nil
}

// setMatchGlobal exposes the match as a plain JS object, round-tripped
// through JSON so scripts see the wire field names.
func setMatchGlobal(vm *goja.Runtime, match model.MonitorMatch) error {
	raw, err := json.Marshal(match)
	if err != nil {
		return err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	return vm.Set("match", obj)
}
