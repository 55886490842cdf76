package session

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-switchboard/pkg/core/agents"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
)

const (
	handoffOK       = "ok"
	handoffRejected = "rejected"
	handoffMissing  = "missing"
)

// Start loads any stored profile for the session, layers vars on top and
// switches into the start agent.
func (o *Orchestrator) Start(vars handoff.Variables) error {
	base := o.loadProfile()
	merged, conflicts := handoff.Merge(base, vars, o.cfg.PersistentKeys)
	if len(conflicts) > 0 {
		o.logger.Warn("stored profile overrides caller variables", "keys", conflicts)
	}
	if o.sessionID != "" {
		merged["session_id"] = o.sessionID
	}
	// A fresh session is never a handoff, whatever the stored profile held.
	delete(merged, handoff.KeyPreviousAgent)
	delete(merged, handoff.KeyHandoffReason)
	delete(merged, handoff.KeyHandoffContext)

	start := o.cfg.StartAgent
	if start == "" {
		start = o.registry.Default().Name
	}
	if o.opened.CompareAndSwap(false, true) {
		o.metrics.SessionOpened()
	}
	return o.SwitchTo(start, merged)
}

// SwitchTo makes agent the active agent. It must run on the loop goroutine.
// A second switch while one is in flight is rejected with
// ErrSwitchInProgress.
func (o *Orchestrator) SwitchTo(agent string, vars handoff.Variables) error {
	prev := o.active
	if !o.switching.CompareAndSwap(false, true) {
		o.logger.Warn("rejected concurrent agent switch", "from", prev, "to", agent)
		o.metrics.Handoff(prev, agent, handoffRejected)
		return ErrSwitchInProgress
	}
	defer o.switching.Store(false)

	next, err := o.registry.GetAgent(agent)
	if err != nil {
		o.metrics.Handoff(prev, agent, handoffMissing)
		return fmt.Errorf("switch to %s: %w", agent, err)
	}

	_, span := o.tracer.Start(o.ctx, "session.switch", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
		attribute.String("agent.from", prev),
		attribute.String("agent.to", next.Name),
	))
	defer span.End()

	o.setState(StateSwitching)
	o.flushTurnRecord()
	o.cancelGreeting()

	o.mu.RLock()
	current := o.vars
	visited := o.visited[next.Name]
	o.mu.RUnlock()

	merged, conflicts := handoff.Merge(current, vars, o.cfg.PersistentKeys)
	if len(conflicts) > 0 {
		o.logger.Info("persistent variables carried forward", "keys", conflicts, "to", next.Name)
	}
	merged[handoff.KeyActiveAgent] = next.Name
	if !vars.HasHandoffContext() {
		// Stale transition keys from an earlier handoff would make the
		// agent believe it was just handed the call.
		delete(merged, handoff.KeyPreviousAgent)
		delete(merged, handoff.KeyHandoffReason)
		delete(merged, handoff.KeyHandoffContext)
	}
	delete(merged, handoff.KeyGreeting)

	greeting := selectGreeting(next, vars, visited)
	if greeting != "" {
		rendered, err := agents.Render(greeting, merged)
		if err != nil {
			o.logger.Warn("greeting template failed", "agent", next.Name, "error", err)
		} else {
			greeting = rendered
		}
	}

	o.mu.Lock()
	o.active = next.Name
	o.visited[next.Name] = true
	o.vars = merged
	o.state = StateAgentActive
	o.mu.Unlock()

	// Queued work from the previous agent must not run under the new one.
	o.pendingCreate = nil

	if greeting != "" {
		o.armGreeting(next.Name, greeting)
	}

	cfg, err := o.sessionConfig(next, merged)
	if err != nil {
		o.logger.Warn("agent instructions template failed", "agent", next.Name, "error", err)
	}
	if err := o.conn.UpdateSession(o.ctx, cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update session")
		o.logger.Warn("apply agent configuration failed", "agent", next.Name, "error", err)
	}

	o.messenger.NotifyAgentSwitched(prev, next.Name, merged.Text(handoff.KeyHandoffReason))
	o.metrics.Handoff(prev, next.Name, handoffOK)
	o.logger.Info("agent active",
		"from", prev,
		"to", next.Name,
		"returning", visited,
		"greeting", greeting != "",
	)
	o.persistAsync(merged)
	return nil
}

// selectGreeting: an explicit override wins; a handoff continues without a
// greeting; otherwise the first-visit or returning greeting applies.
func selectGreeting(a agents.Agent, vars handoff.Variables, visited bool) string {
	if g := strings.TrimSpace(vars.Text(handoff.KeyGreeting)); g != "" {
		return g
	}
	if vars.HasHandoffContext() {
		return ""
	}
	if visited && a.ReturnGreeting != "" {
		return a.ReturnGreeting
	}
	return a.Greeting
}

func (o *Orchestrator) sessionConfig(a agents.Agent, vars handoff.Variables) (realtime.SessionConfig, error) {
	instructions, renderErr := agents.Render(a.Instructions, vars)
	if renderErr != nil {
		instructions = a.Instructions
	}
	if note := handoffNote(vars); note != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += note
	}

	decls := a.AllTools()
	toolDefs := make([]realtime.Tool, 0, len(decls))
	for _, t := range decls {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		toolDefs = append(toolDefs, realtime.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}

	modalities := []string{"text", "audio"}
	if o.cfg.SynthesizeSpeech {
		modalities = []string{"text"}
	}
	cfg := realtime.SessionConfig{
		Instructions:      instructions,
		Voice:             a.Voice.Name,
		Temperature:       a.Temperature,
		Tools:             toolDefs,
		Modalities:        modalities,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &realtime.TurnDetection{Type: "server_vad"},
	}
	if len(toolDefs) > 0 {
		cfg.ToolChoice = "auto"
	}
	return cfg, renderErr
}

func handoffNote(vars handoff.Variables) string {
	if !vars.HasHandoffContext() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You were just handed this conversation by %s.", orUnknown(vars.Text(handoff.KeyPreviousAgent)))
	if reason := vars.Text(handoff.KeyHandoffReason); reason != "" {
		fmt.Fprintf(&b, " Reason: %s.", strings.TrimSuffix(reason, "."))
	}
	if said := vars.Text(handoff.KeyUserLastUtterance); said != "" {
		fmt.Fprintf(&b, " The caller last said: %q.", said)
	}
	if data, ok := vars[handoff.KeyHandoffContext].(map[string]any); ok && len(data) > 0 {
		fmt.Fprintf(&b, " Context: %v.", data)
	}
	b.WriteString(" Continue the conversation without greeting the caller again.")
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "another agent"
	}
	return s
}

// armGreeting stores the pending greeting and starts the fallback timer.
// Whichever of session_updated and the timer claims the pointer first
// delivers it.
func (o *Orchestrator) armGreeting(agent, text string) {
	p := &pendingGreeting{agent: agent, text: text}
	o.greeting.Store(p)
	timer := time.AfterFunc(o.cfg.GreetingTimeout, func() {
		o.Post(func() {
			if o.greeting.Load() == p {
				o.logger.Debug("greeting fallback timer fired", "agent", agent)
			}
			o.deliverGreeting(p)
		})
	})
	o.greetMu.Lock()
	o.greetStop = timer.Stop
	o.greetMu.Unlock()
}

func (o *Orchestrator) cancelGreeting() {
	o.greeting.Store(nil)
	o.greetMu.Lock()
	stop := o.greetStop
	o.greetStop = nil
	o.greetMu.Unlock()
	if stop != nil {
		stop()
	}
}

// deliverGreeting is a no-op unless p is still the pending greeting.
func (o *Orchestrator) deliverGreeting(p *pendingGreeting) bool {
	if p == nil || !o.greeting.CompareAndSwap(p, nil) {
		return false
	}
	if p.agent != o.active {
		return false
	}
	o.messenger.SendAssistantMessage("", p.agent, p.text)
	if o.cfg.SynthesizeSpeech {
		item := realtime.Item{Type: realtime.ItemMessage, Role: "assistant", Text: p.text}
		if err := o.conn.AppendItem(o.ctx, item); err != nil {
			o.logger.Debug("append greeting item failed", "error", err)
		}
		o.speak(p.text, "")
		return true
	}
	o.requestResponse(realtime.ResponseOptions{
		Instructions: fmt.Sprintf("Greet the caller by saying exactly: %q", p.text),
	})
	return true
}
