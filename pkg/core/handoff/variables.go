// Package handoff decides when control passes between agents and builds the
// payload carried across the transition. Strategies only report decisions;
// the session orchestrator performs the switch.
package handoff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Variable keys surfaced to the incoming agent.
const (
	KeyPreviousAgent     = "previous_agent"
	KeyActiveAgent       = "active_agent"
	KeyHandoffReason     = "handoff_reason"
	KeyUserLastUtterance = "user_last_utterance"
	KeyHandoffContext    = "handoff_context"
	KeyGreeting          = "greeting"
)

// DefaultPersistentKeys identify the caller and the session; once set they
// survive every handoff.
var DefaultPersistentKeys = []string{
	"session_id",
	"caller_id",
	"customer_id",
	"customer_name",
	"account_id",
	"authenticated",
}

// Variables is the flat session-variable map. Values are JSON-compatible.
// Treat a Variables value as immutable once shared; use Clone or Merge to
// derive a new one.
type Variables map[string]any

func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Text returns the value for key formatted as text, or "".
func (v Variables) Text(key string) string {
	val, ok := v[key]
	if !ok || val == nil {
		return ""
	}
	switch t := val.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Has reports whether key holds a non-empty value. false counts as empty so
// flags such as authenticated can still be raised once persistent.
func (v Variables) Has(key string) bool {
	return !isEmpty(v[key])
}

// HasHandoffContext reports whether v was produced by a handoff rather than
// a fresh or returning visit.
func (v Variables) HasHandoffContext() bool {
	return v.Has(KeyPreviousAgent) || v.Has(KeyHandoffContext) || v.Has(KeyHandoffReason)
}

// Merge layers overlay on top of base. Overlay values win, except for keys in
// persistent that base already holds: those keep the base value and are
// reported as conflicts when overlay tried to change them.
func Merge(base, overlay Variables, persistent []string) (Variables, []string) {
	out := base.Clone()
	keep := make(map[string]struct{}, len(persistent))
	for _, k := range persistent {
		keep[k] = struct{}{}
	}
	var conflicts []string
	for k, val := range overlay {
		if _, ok := keep[k]; ok && base.Has(k) {
			if !reflect.DeepEqual(base[k], val) {
				conflicts = append(conflicts, k)
			}
			continue
		}
		out[k] = val
	}
	sort.Strings(conflicts)
	return out, conflicts
}

// Changed lists keys whose values differ between prev and next.
func Changed(prev, next Variables) []string {
	var keys []string
	for k, val := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, val) {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DecodeVariables parses a JSON object; anything else yields nil.
func DecodeVariables(raw []byte) (Variables, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var v Variables
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func isEmpty(val any) bool {
	switch t := val.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
