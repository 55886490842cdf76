package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/realtime"
	"github.com/vango-go/vai-switchboard/pkg/gateway/tools"
)

// ExecuteToolCall handles a completed function call from the provider. It
// must run on the loop goroutine. Handoff tools switch agents in place;
// everything else runs on a worker and its result is posted back.
func (o *Orchestrator) ExecuteToolCall(callID, name, argsJSON string) {
	args, err := parseToolArguments(argsJSON)
	if err != nil {
		o.logger.Warn("tool arguments ignored", "tool", name, "call_id", callID, "error", err)
	}
	o.messenger.NotifyToolStart(callID, name, args)

	if s := o.handoffStrategy(name); s != nil {
		o.runHandoff(s, callID, name, args)
		return
	}
	o.runTool(callID, name, args)
}

// parseToolArguments never fails the call: malformed input yields empty
// arguments alongside an error wrapping ErrMalformedToolArguments.
func parseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Errorf("%w: %v", ErrMalformedToolArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// handoffStrategy returns the first tool-triggered strategy that claims name.
// State detectors only fire on variable transitions.
func (o *Orchestrator) handoffStrategy(name string) handoff.Strategy {
	for _, s := range o.strategies {
		if _, ok := s.(handoff.StateDetector); ok {
			continue
		}
		if s.IsHandoffTrigger(name) {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) runHandoff(s handoff.Strategy, callID, name string, args map[string]any) {
	source := o.active
	hc := s.BuildContext(name, args, source, o.lastUserUtterance())
	res := s.Execute(name, args, hc)
	if !res.Success {
		o.logger.Warn("handoff skipped", "tool", name, "from", source, "error", res.Err)
		o.metrics.Handoff(source, hc.Target, handoffMissing)
		msg := "handoff target not found"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		o.completeTool(callID, name, false, map[string]any{"success": false, "error": msg})
		o.requestResponse(realtime.ResponseOptions{})
		return
	}

	if res.InterruptPlayback && o.bridge != nil {
		o.bridge.StopPlayback()
	}
	if res.Message != "" {
		o.messenger.SendAssistantMessage("", source, res.Message)
		if o.cfg.SynthesizeSpeech {
			o.speak(res.Message, "")
		}
	}

	hc.Target = res.Target
	if err := o.SwitchTo(res.Target, hc.ToVariables()); err != nil {
		o.logger.Warn("handoff failed", "tool", name, "from", source, "to", res.Target, "error", err)
		o.completeTool(callID, name, false, map[string]any{"success": false, "error": err.Error()})
		o.requestResponse(realtime.ResponseOptions{})
		return
	}

	result := map[string]any{"success": true, "target": res.Target}
	if res.Message != "" {
		result["message"] = res.Message
	}
	o.completeTool(callID, name, true, result)
	if o.greeting.Load() == nil {
		o.requestResponse(realtime.ResponseOptions{})
	}
}

func (o *Orchestrator) runTool(callID, name string, args map[string]any) {
	if o.tools == nil {
		o.onToolResult(callID, name, nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, name))
		return
	}
	o.workers.Go(func() error {
		result, err := o.invokeTool(name, args)
		if !o.Post(func() { o.onToolResult(callID, name, result, err) }) {
			o.logger.Debug("tool result dropped after close", "tool", name, "call_id", callID)
		}
		return nil
	})
}

func (o *Orchestrator) invokeTool(name string, args map[string]any) (result map[string]any, err error) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ToolTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "session.tool", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
		attribute.String("tool.name", name),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tool failed")
		}
	}()
	return o.tools.Execute(ctx, name, args)
}

func (o *Orchestrator) onToolResult(callID, name string, result map[string]any, err error) {
	ok := err == nil && !tools.Failed(result)
	if err != nil {
		o.logger.Warn("tool failed", "tool", name, "call_id", callID, "error", err)
		result = map[string]any{"success": false, "error": err.Error()}
	} else if !ok {
		o.logger.Info("tool reported failure", "tool", name, "call_id", callID)
	}
	if result == nil {
		result = map[string]any{}
	}
	o.completeTool(callID, name, ok, result)

	switched := false
	if update, isMap := result["variables"].(map[string]any); isMap && len(update) > 0 {
		switched = o.mergeVariables(handoff.Variables(update))
	}
	if switched && o.greeting.Load() != nil {
		return
	}
	o.requestResponse(realtime.ResponseOptions{})
}

// completeTool delivers the function output to the provider before anything
// asks for the next response.
func (o *Orchestrator) completeTool(callID, name string, ok bool, result map[string]any) {
	item, err := realtime.FunctionOutput(callID, result)
	if err != nil {
		o.logger.Warn("encode tool output failed", "tool", name, "error", err)
		item = realtime.Item{Type: realtime.ItemFunctionCallOutput, CallID: callID, Output: `{"success":false}`}
		ok = false
	}
	if err := o.conn.AppendItem(o.ctx, item); err != nil {
		o.logger.Warn("append tool output failed", "tool", name, "call_id", callID, "error", err)
	}
	o.messenger.NotifyToolEnd(callID, name, ok, result)
}

// mergeVariables folds a tool's variable update into session state and runs
// the state detectors over the transition. It reports whether an agent
// switch happened.
func (o *Orchestrator) mergeVariables(update handoff.Variables) bool {
	o.mu.RLock()
	prev := o.vars
	o.mu.RUnlock()

	next, conflicts := handoff.Merge(prev, update, o.cfg.PersistentKeys)
	if len(conflicts) > 0 {
		o.logger.Info("persistent variables kept", "keys", conflicts)
	}
	changed := handoff.Changed(prev, next)
	if len(changed) == 0 {
		return false
	}
	o.setVars(next)
	o.logger.Debug("session variables updated", "keys", changed)
	o.persistAsync(next)

	for _, s := range o.strategies {
		d, isDetector := s.(handoff.StateDetector)
		if !isDetector {
			continue
		}
		trigger, args, fired := d.Detect(prev, next)
		if !fired {
			continue
		}
		source := o.active
		hc := s.BuildContext(trigger, args, source, o.lastUserUtterance())
		res := s.Execute(trigger, args, hc)
		if !res.Success {
			o.logger.Warn("state handoff skipped", "trigger", trigger, "error", res.Err)
			o.metrics.Handoff(source, hc.Target, handoffMissing)
			continue
		}
		hc.Target = res.Target
		if err := o.SwitchTo(res.Target, hc.ToVariables()); err != nil {
			o.logger.Warn("state handoff failed", "trigger", trigger, "to", res.Target, "error", err)
			return false
		}
		return true
	}
	return false
}

func (o *Orchestrator) lastUserUtterance() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastUtterance
}
