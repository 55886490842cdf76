// Package tools dispatches non-handoff tool calls to business logic that
// lives outside the voice runtime.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownTool = errors.New("unknown tool")

const DefaultTimeout = 10 * time.Second

// Executor runs a tool and returns a flat result map.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry maps tool names to functions. A Fallback executor, when set,
// handles names that have no registered function.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]ToolFunc
	timeout  time.Duration
	Fallback Executor
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{byName: make(map[string]ToolFunc), timeout: timeout}
}

func (r *Registry) Register(name string, fn ToolFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.byName[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Execute runs name under the registry timeout. A nil result from a tool is
// returned as an empty map.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	r.mu.RLock()
	fn, ok := r.byName[strings.TrimSpace(name)]
	fallback := r.Fallback
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		out map[string]any
		err error
	)
	switch {
	case ok:
		out, err = fn(ctx, args)
	case fallback != nil:
		out, err = fallback.Execute(ctx, name, args)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Failed reports whether result carries a falsy "success" or "ok" field.
// Results without either field are treated as successful.
func Failed(result map[string]any) bool {
	for _, key := range []string{"success", "ok"} {
		v, present := result[key]
		if !present {
			continue
		}
		if !truthy(v) {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "no", "failed", "error":
			return false
		}
		return true
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
