package handoff

import (
	"errors"
	"strings"
)

var ErrTargetMissing = errors.New("handoff target not found")

// Context is the payload built for one handoff. It is not modified after
// construction.
type Context struct {
	Source            string
	Target            string
	Reason            string
	LastUserUtterance string
	Data              map[string]any
	Overrides         Variables
	Greeting          string
}

// ToVariables flattens the context for the incoming agent. The transition
// keys always reflect the context fields, even when Overrides sets them.
func (c Context) ToVariables() Variables {
	v := make(Variables, len(c.Overrides)+6)
	for k, val := range c.Overrides {
		v[k] = val
	}
	v[KeyPreviousAgent] = c.Source
	v[KeyActiveAgent] = c.Target
	v[KeyHandoffReason] = c.Reason
	if c.LastUserUtterance != "" {
		v[KeyUserLastUtterance] = c.LastUserUtterance
	}
	if len(c.Data) > 0 {
		data := make(map[string]any, len(c.Data))
		for k, val := range c.Data {
			data[k] = val
		}
		v[KeyHandoffContext] = data
	}
	if c.Greeting != "" {
		v[KeyGreeting] = c.Greeting
	}
	return v
}

// Result is a strategy's decision. Err is set when Success is false.
type Result struct {
	Success           bool
	Target            string
	Message           string
	Err               error
	InterruptPlayback bool
}

// Strategy maps an event name and its arguments to a handoff decision.
type Strategy interface {
	IsHandoffTrigger(name string) bool
	TargetAgent(name string) (string, bool)
	Execute(name string, args map[string]any, hc Context) Result
	BuildContext(name string, args map[string]any, source, lastUtterance string) Context
}

// StateDetector is implemented by strategies that trigger on variable
// transitions instead of explicit tool calls. The returned args are passed
// back to BuildContext and Execute.
type StateDetector interface {
	Detect(prev, next Variables) (name string, args map[string]any, ok bool)
}

// Argument keys with meaning to the handoff machinery itself.
var (
	reasonKeys  = []string{"reason", "handoff_reason", "summary", "issue_summary"}
	controlKeys = map[string]struct{}{
		"message":            {},
		"interrupt":          {},
		"interrupt_playback": {},
		"greeting":           {},
		"variables":          {},
		"reason":             {},
		"handoff_reason":     {},
		"summary":            {},
		"issue_summary":      {},
	}
)

// ExtractReason returns the first non-empty conventional reason argument.
func ExtractReason(args map[string]any) string {
	for _, k := range reasonKeys {
		if s := stringArg(args, k); s != "" {
			return s
		}
	}
	return ""
}

// ContextData copies every argument that is not a control key.
func ContextData(args map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range args {
		if _, ok := controlKeys[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

func overridesArg(args map[string]any) Variables {
	m, ok := args["variables"].(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	return Variables(m).Clone()
}
