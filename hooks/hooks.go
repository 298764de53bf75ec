// Package hooks implements the optional pre-render extension point
// described in the design notes: an endpoint's hook marker string selects
// a Hook that may inspect (and short-circuit) a request before C1 renders
// its response template. The shipped implementation runs the marker as a
// goja script, grounded on the teacher's server/validation.go — a
// goja.Runtime spun up per call with a deadline context and vm.Interrupt
// on timeout, console/JSON shims injected into the VM. No hook execution
// is mandated by the core data model; a host that does not need scripting
// can install an empty Registry and every endpoint.Hook lookup misses.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"

	"apisim/models"
)

// Override, when set on a Decision, replaces the rule-selected response
// entirely: the pipeline skips rendering and emits this instead.
type Override struct {
	Status  int
	Headers http.Header
	Body    string
}

// Decision is the result of a Hook call. A nil Override means "continue
// the normal pipeline".
type Decision struct {
	Override *Override
}

// StateAccess is the subset of the state store a hook script is given.
type StateAccess interface {
	Read(key string) (any, bool)
	Write(key string, value any)
}

// Hook is one pluggable pre-render check.
type Hook interface {
	OnBeforeRender(ctx context.Context, req *models.RequestContext, state StateAccess) (Decision, error)
}

// Registry resolves an endpoint's hook marker string to a Hook.
type Registry interface {
	Lookup(marker string) (Hook, bool)
}

// ScriptRegistry is the default Registry: every non-empty marker is
// treated as inline goja script source, compiled lazily and cached.
type ScriptRegistry struct {
	Timeout time.Duration // default 5s

	mu       sync.Mutex
	programs map[string]*goja.Program
}

// NewScriptRegistry returns a Registry that compiles hook markers as goja
// script source on first use.
func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{Timeout: 5 * time.Second, programs: map[string]*goja.Program{}}
}

func (r *ScriptRegistry) Lookup(marker string) (Hook, bool) {
	if marker == "" {
		return nil, false
	}
	return &scriptHook{registry: r, source: marker}, true
}

type scriptHook struct {
	registry *ScriptRegistry
	source   string
}

func (h *scriptHook) OnBeforeRender(ctx context.Context, req *models.RequestContext, state StateAccess) (Decision, error) {
	program, err := h.registry.compile(h.source)
	if err != nil {
		return Decision{}, fmt.Errorf("hooks: compile: %w", err)
	}

	timeout := h.registry.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	done := make(chan struct{})
	go func() {
		select {
		case <-deadlineCtx.Done():
			vm.Interrupt("hook execution deadline exceeded")
		case <-done:
		}
	}()
	defer close(done)

	result := map[string]any{}
	_ = vm.Set("request", requestToJS(req))
	_ = vm.Set("state", stateShim{state})
	_ = vm.Set("result", result)
	_ = vm.Set("console", consoleShim{})

	if _, err := vm.RunProgram(program); err != nil {
		return Decision{}, fmt.Errorf("hooks: run: %w", err)
	}

	overrideVal := vm.Get("result")
	if overrideVal == nil || goja.IsUndefined(overrideVal) || goja.IsNull(overrideVal) {
		return Decision{}, nil
	}
	exported, ok := overrideVal.Export().(map[string]any)
	if !ok {
		return Decision{}, nil
	}
	ov, ok := exported["override"].(map[string]any)
	if !ok {
		return Decision{}, nil
	}
	return Decision{Override: decodeOverride(ov)}, nil
}

func (r *ScriptRegistry) compile(source string) (*goja.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.programs[source]; ok {
		return p, nil
	}
	p, err := goja.Compile("hook", source, false)
	if err != nil {
		return nil, err
	}
	if r.programs == nil {
		r.programs = map[string]*goja.Program{}
	}
	r.programs[source] = p
	return p, nil
}

func decodeOverride(m map[string]any) *Override {
	ov := &Override{Status: 200, Headers: http.Header{}}
	if s, ok := m["status"]; ok {
		switch t := s.(type) {
		case int64:
			ov.Status = int(t)
		case float64:
			ov.Status = int(t)
		}
	}
	if b, ok := m["body"].(string); ok {
		ov.Body = b
	}
	if h, ok := m["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				ov.Headers.Set(k, s)
			}
		}
	}
	return ov
}

func requestToJS(req *models.RequestContext) map[string]any {
	if req == nil {
		return map[string]any{}
	}
	var bodyJSON any
	_ = json.Unmarshal(req.Body, &bodyJSON)
	return map[string]any{
		"method":      req.Method,
		"path":        req.Path,
		"matchedPath": req.MatchedPath,
		"pathParams":  req.PathParams,
		"queryParams": req.QueryParams,
		"headers":     req.Headers,
		"body":        string(req.Body),
		"bodyJSON":    bodyJSON,
		"requestId":   req.RequestID,
	}
}

// stateShim exposes StateAccess to goja scripts as state.read(key)/state.write(key, value).
type stateShim struct {
	state StateAccess
}

func (s stateShim) Read(key string) any {
	v, _ := s.state.Read(key)
	return v
}

func (s stateShim) Write(key string, value any) {
	s.state.Write(key, value)
}

type consoleShim struct{}

func (consoleShim) Log(args ...any)  {}
func (consoleShim) Warn(args ...any) {}
func (consoleShim) Error(args ...any) {}
