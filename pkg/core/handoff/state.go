package handoff

import (
	"fmt"
	"reflect"
	"strings"
)

// Condition inspects one variable before and after a merge.
type Condition func(prev, next any) bool

// BecameTrue matches a false/absent to true transition.
func BecameTrue(prev, next any) bool {
	return truthy(next) && !truthy(prev)
}

// ChangedTo matches any change to a non-empty value.
func ChangedTo(prev, next any) bool {
	return !isEmpty(next) && !reflect.DeepEqual(prev, next)
}

// StateRule triggers a handoff when Key satisfies When. Target names the
// agent, or Routes maps the new value (as text) to an agent.
type StateRule struct {
	Name   string
	Key    string
	When   Condition
	Target string
	Routes map[string]string
	Reason string
}

func (r StateRule) resolve(value any) string {
	if len(r.Routes) > 0 {
		key := strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
		if agent, ok := r.Routes[key]; ok {
			return agent
		}
		return ""
	}
	return r.Target
}

// StateStrategy triggers handoffs from session-variable transitions such as
// authentication completing or the topic changing. Rules are evaluated in
// order; the first match wins.
type StateStrategy struct {
	rules []StateRule
}

func NewStateStrategy(rules ...StateRule) *StateStrategy {
	out := &StateStrategy{}
	for _, r := range rules {
		if r.Name == "" || r.Key == "" {
			continue
		}
		if r.When == nil {
			r.When = ChangedTo
		}
		routes := make(map[string]string, len(r.Routes))
		for k, v := range r.Routes {
			routes[strings.ToLower(strings.TrimSpace(k))] = v
		}
		r.Routes = routes
		out.rules = append(out.rules, r)
	}
	return out
}

func (s *StateStrategy) rule(name string) (StateRule, bool) {
	for _, r := range s.rules {
		if r.Name == name {
			return r, true
		}
	}
	return StateRule{}, false
}

func (s *StateStrategy) IsHandoffTrigger(name string) bool {
	_, ok := s.rule(name)
	return ok
}

// TargetAgent reports the static target. Routed rules resolve their target
// from the transition and report false here.
func (s *StateStrategy) TargetAgent(name string) (string, bool) {
	r, ok := s.rule(name)
	if !ok || r.Target == "" || len(r.Routes) > 0 {
		return "", false
	}
	return r.Target, true
}

// Detect returns the first rule whose condition holds for prev to next and
// whose resolved target differs from the active agent in next.
func (s *StateStrategy) Detect(prev, next Variables) (string, map[string]any, bool) {
	active := next.Text(KeyActiveAgent)
	for _, r := range s.rules {
		before, after := prev[r.Key], next[r.Key]
		if !r.When(before, after) {
			continue
		}
		target := r.resolve(after)
		if target == "" || target == active {
			continue
		}
		return r.Name, map[string]any{
			r.Key:      after,
			"previous": before,
		}, true
	}
	return "", nil, false
}

func (s *StateStrategy) Execute(name string, args map[string]any, hc Context) Result {
	r, ok := s.rule(name)
	if !ok {
		return Result{Err: fmt.Errorf("%w: no state rule %q", ErrTargetMissing, name)}
	}
	target := r.resolve(args[r.Key])
	if target == "" {
		return Result{Err: fmt.Errorf("%w: rule %q has no route for %v", ErrTargetMissing, name, args[r.Key])}
	}
	return Result{Success: true, Target: target}
}

func (s *StateStrategy) BuildContext(name string, args map[string]any, source, lastUtterance string) Context {
	r, _ := s.rule(name)
	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s changed", r.Key)
	}
	data := make(map[string]any, 2)
	if r.Key != "" {
		data[r.Key] = args[r.Key]
	}
	data["trigger"] = name
	return Context{
		Source:            source,
		Target:            r.resolve(args[r.Key]),
		Reason:            reason,
		LastUserUtterance: lastUtterance,
		Data:              data,
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "verified":
			return true
		}
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}

var (
	_ Strategy      = (*ToolStrategy)(nil)
	_ Strategy      = (*StateStrategy)(nil)
	_ StateDetector = (*StateStrategy)(nil)
)
