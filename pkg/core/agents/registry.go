// Package agents holds the read-only registry of agent personas.
package agents

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"gopkg.in/yaml.v3"
)

var ErrAgentNotFound = errors.New("agent not found")

type Voice struct {
	Name  string  `yaml:"name"`
	Style string  `yaml:"style"`
	Rate  float64 `yaml:"rate"`
}

type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Agent is an immutable persona definition. Handoffs maps a tool name the
// agent may call to the agent that takes over.
type Agent struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Instructions   string            `yaml:"instructions"`
	Voice          Voice             `yaml:"voice"`
	Greeting       string            `yaml:"greeting"`
	ReturnGreeting string            `yaml:"return_greeting"`
	Temperature    float64           `yaml:"temperature"`
	Tools          []Tool            `yaml:"tools"`
	Handoffs       map[string]string `yaml:"handoffs"`
}

// AllTools returns the agent's declared tools followed by one generated
// declaration per handoff tool, sorted by name.
func (a Agent) AllTools() []Tool {
	out := make([]Tool, 0, len(a.Tools)+len(a.Handoffs))
	out = append(out, a.Tools...)
	names := make([]string, 0, len(a.Handoffs))
	for name := range a.Handoffs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, handoffTool(name, a.Handoffs[name]))
	}
	return out
}

func handoffTool(name, target string) Tool {
	return Tool{
		Name:        name,
		Description: fmt.Sprintf("Transfer the caller to the %s agent.", target),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason":             map[string]any{"type": "string", "description": "Why the caller is being transferred."},
				"summary":            map[string]any{"type": "string", "description": "Short summary of the conversation so far."},
				"message":            map[string]any{"type": "string", "description": "Optional sentence to say before transferring."},
				"interrupt_playback": map[string]any{"type": "boolean"},
			},
		},
	}
}

// State rule conditions.
const (
	WhenBecameTrue = "became_true"
	WhenChanged    = "changed"
)

// StateRule hands the session over when a session variable transitions.
// Target names the agent, or Routes maps the new value to an agent.
type StateRule struct {
	Name   string            `yaml:"name"`
	Key    string            `yaml:"key"`
	When   string            `yaml:"when"`
	Target string            `yaml:"target"`
	Routes map[string]string `yaml:"routes"`
	Reason string            `yaml:"reason"`
}

// Registry is read-only after construction.
type Registry struct {
	byName       map[string]Agent
	order        []string
	defaultAgent string
	stateRules   []StateRule
}

type file struct {
	Default    string      `yaml:"default"`
	Agents     []Agent     `yaml:"agents"`
	StateRules []StateRule `yaml:"state_rules"`
}

func NewRegistry(defaultAgent string, list ...Agent) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("agent registry is empty")
	}
	r := &Registry{byName: make(map[string]Agent, len(list))}
	for _, a := range list {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("agent name is required")
		}
		if _, dup := r.byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.Name)
		}
		r.byName[a.Name] = cloneAgent(a)
		r.order = append(r.order, a.Name)
	}
	if defaultAgent == "" {
		defaultAgent = r.order[0]
	}
	if _, ok := r.byName[defaultAgent]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrAgentNotFound, defaultAgent)
	}
	r.defaultAgent = defaultAgent
	for _, a := range r.byName {
		for tool, target := range a.Handoffs {
			if _, ok := r.byName[target]; !ok {
				return nil, fmt.Errorf("agent %q: handoff tool %q targets unknown agent %q", a.Name, tool, target)
			}
		}
	}
	return r, nil
}

// Parse decodes a YAML registry document.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}
	r, err := NewRegistry(strings.TrimSpace(f.Default), f.Agents...)
	if err != nil {
		return nil, err
	}
	if err := r.setStateRules(f.StateRules); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) setStateRules(rules []StateRule) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		rule.Key = strings.TrimSpace(rule.Key)
		if rule.Name == "" || rule.Key == "" {
			return fmt.Errorf("state rule requires name and key")
		}
		if seen[rule.Name] {
			return fmt.Errorf("duplicate state rule %q", rule.Name)
		}
		seen[rule.Name] = true
		switch rule.When {
		case "":
			rule.When = WhenChanged
		case WhenBecameTrue, WhenChanged:
		default:
			return fmt.Errorf("state rule %q: unknown condition %q", rule.Name, rule.When)
		}
		targets := []string{rule.Target}
		if len(rule.Routes) > 0 {
			targets = targets[:0]
			routes := make(map[string]string, len(rule.Routes))
			for value, agent := range rule.Routes {
				routes[value] = agent
				targets = append(targets, agent)
			}
			rule.Routes = routes
		}
		for _, target := range targets {
			if _, ok := r.byName[target]; !ok {
				return fmt.Errorf("state rule %q targets unknown agent %q", rule.Name, target)
			}
		}
		r.stateRules = append(r.stateRules, rule)
	}
	return nil
}

func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) GetAgent(name string) (Agent, error) {
	a, ok := r.byName[name]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	return cloneAgent(a), nil
}

// ListAgents returns agent names in definition order.
func (r *Registry) ListAgents() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Default() Agent {
	return cloneAgent(r.byName[r.defaultAgent])
}

// HandoffRoutes merges every agent's handoff tools into one tool to target
// map. When two agents declare the same tool the first definition wins.
func (r *Registry) HandoffRoutes() map[string]string {
	out := make(map[string]string)
	for _, name := range r.order {
		for tool, target := range r.byName[name].Handoffs {
			if _, ok := out[tool]; !ok {
				out[tool] = target
			}
		}
	}
	return out
}

// StateRules returns the variable-transition handoff rules in file order.
func (r *Registry) StateRules() []StateRule {
	out := make([]StateRule, len(r.stateRules))
	for i, rule := range r.stateRules {
		if rule.Routes != nil {
			routes := make(map[string]string, len(rule.Routes))
			for k, v := range rule.Routes {
				routes[k] = v
			}
			rule.Routes = routes
		}
		out[i] = rule
	}
	return out
}

func cloneAgent(a Agent) Agent {
	a.Tools = append([]Tool(nil), a.Tools...)
	if a.Handoffs != nil {
		h := make(map[string]string, len(a.Handoffs))
		for k, v := range a.Handoffs {
			h[k] = v
		}
		a.Handoffs = h
	}
	return a
}

// Render executes text as a Go template with the sprig function map. Missing
// keys render empty. Text without actions is returned unchanged.
func Render(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := template.New("agent").Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}
