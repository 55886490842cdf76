package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/vango-go/vai-switchboard/pkg/gateway/live/sessions"
)

type sessionView struct {
	SessionID        string   `json:"session_id"`
	State            string   `json:"state"`
	ActiveAgent      string   `json:"active_agent,omitempty"`
	VisitedAgents    []string `json:"visited_agents,omitempty"`
	ActiveResponseID string   `json:"active_response_id,omitempty"`
	PendingGreeting  string   `json:"pending_greeting,omitempty"`
	VariableKeys     []string `json:"variable_keys,omitempty"`
}

// SessionsHandler lists live sessions. Variable values are not exposed.
type SessionsHandler struct {
	Tracker *sessions.Tracker
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	snaps := h.Tracker.Snapshots()
	out := make([]sessionView, 0, len(snaps))
	for _, s := range snaps {
		keys := make([]string, 0, len(s.Variables))
		for k := range s.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = append(out, sessionView{
			SessionID:        s.SessionID,
			State:            s.State.String(),
			ActiveAgent:      s.ActiveAgent,
			VisitedAgents:    s.VisitedAgents,
			ActiveResponseID: s.ActiveResponseID,
			PendingGreeting:  s.PendingGreeting,
			VariableKeys:     keys,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"sessions": out})
}
