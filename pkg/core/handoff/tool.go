package handoff

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ToolStrategy triggers handoffs from tool calls through a tool name to
// agent name map. Routes may change at runtime.
type ToolStrategy struct {
	mu     sync.RWMutex
	routes map[string]string
}

func NewToolStrategy(routes map[string]string) *ToolStrategy {
	s := &ToolStrategy{routes: make(map[string]string, len(routes))}
	for tool, agent := range routes {
		s.Register(tool, agent)
	}
	return s
}

func (s *ToolStrategy) Register(tool, agent string) {
	tool = strings.TrimSpace(tool)
	agent = strings.TrimSpace(agent)
	if tool == "" || agent == "" {
		return
	}
	s.mu.Lock()
	s.routes[tool] = agent
	s.mu.Unlock()
}

func (s *ToolStrategy) Unregister(tool string) {
	s.mu.Lock()
	delete(s.routes, strings.TrimSpace(tool))
	s.mu.Unlock()
}

// Tools lists the registered trigger names in sorted order.
func (s *ToolStrategy) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.routes))
	for tool := range s.routes {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func (s *ToolStrategy) IsHandoffTrigger(name string) bool {
	_, ok := s.TargetAgent(name)
	return ok
}

func (s *ToolStrategy) TargetAgent(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.routes[name]
	return agent, ok
}

func (s *ToolStrategy) Execute(name string, args map[string]any, hc Context) Result {
	target, ok := s.TargetAgent(name)
	if !ok {
		return Result{Err: fmt.Errorf("%w: tool %q has no route", ErrTargetMissing, name)}
	}
	if hc.Target != "" && hc.Target != target {
		return Result{Err: fmt.Errorf("%w: tool %q routes to %q, context targets %q", ErrTargetMissing, name, target, hc.Target)}
	}
	return Result{
		Success:           true,
		Target:            target,
		Message:           stringArg(args, "message"),
		InterruptPlayback: boolArg(args, "interrupt_playback") || boolArg(args, "interrupt"),
	}
}

func (s *ToolStrategy) BuildContext(name string, args map[string]any, source, lastUtterance string) Context {
	target, _ := s.TargetAgent(name)
	return Context{
		Source:            source,
		Target:            target,
		Reason:            ExtractReason(args),
		LastUserUtterance: lastUtterance,
		Data:              ContextData(args),
		Overrides:         overridesArg(args),
		Greeting:          stringArg(args, "greeting"),
	}
}
