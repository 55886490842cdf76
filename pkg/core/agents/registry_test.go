package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
default: Concierge
agents:
  - name: Concierge
    greeting: 'Hello {{ .customer_name | default "there" }}'
    return_greeting: Welcome back
    tools:
      - name: verify_caller
        parameters:
          type: object
    handoffs:
      transfer_to_billing: Billing
  - name: Billing
    voice: {name: verse, style: calm, rate: 1.1}
    handoffs:
      transfer_to_concierge: Concierge
`

func TestParse_Registry(t *testing.T) {
	r, err := Parse([]byte(testRegistry))
	require.NoError(t, err)

	assert.Equal(t, []string{"Concierge", "Billing"}, r.ListAgents())
	assert.Equal(t, "Concierge", r.Default().Name)

	billing, err := r.GetAgent("Billing")
	require.NoError(t, err)
	assert.Equal(t, Voice{Name: "verse", Style: "calm", Rate: 1.1}, billing.Voice)

	_, err = r.GetAgent("Claims")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.Equal(t, map[string]string{
		"transfer_to_billing":   "Billing",
		"transfer_to_concierge": "Concierge",
	}, r.HandoffRoutes())
}

func TestGetAgent_ReturnsCopies(t *testing.T) {
	r, err := Parse([]byte(testRegistry))
	require.NoError(t, err)

	a, err := r.GetAgent("Concierge")
	require.NoError(t, err)
	a.Handoffs["transfer_to_claims"] = "Claims"
	a.Tools[0].Name = "mutated"

	again, err := r.GetAgent("Concierge")
	require.NoError(t, err)
	assert.NotContains(t, again.Handoffs, "transfer_to_claims")
	assert.Equal(t, "verify_caller", again.Tools[0].Name)
}

func TestAllTools_IncludesHandoffDeclarations(t *testing.T) {
	r, err := Parse([]byte(testRegistry))
	require.NoError(t, err)
	tools := r.Default().AllTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "verify_caller", tools[0].Name)
	assert.Equal(t, "transfer_to_billing", tools[1].Name)
	assert.Contains(t, tools[1].Description, "Billing")
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry("")
	require.Error(t, err)

	_, err = NewRegistry("", Agent{Name: "A"}, Agent{Name: "A"})
	require.Error(t, err)

	_, err = NewRegistry("B", Agent{Name: "A"})
	require.ErrorIs(t, err, ErrAgentNotFound)

	_, err = NewRegistry("", Agent{Name: "A", Handoffs: map[string]string{"go": "Nowhere"}})
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0o600))
	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, r.ListAgents(), 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRender_UsesSprigAndToleratesMissingKeys(t *testing.T) {
	out, err := Render(`Hello {{ .customer_name | default "there" }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)

	out, err = Render(`Hello {{ .customer_name | upper }}`, map[string]any{"customer_name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello ADA", out)

	out, err = Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	_, err = Render("{{ .broken", nil)
	require.Error(t, err)
}

func TestParse_StateRules(t *testing.T) {
	doc := testRegistry + `
state_rules:
  - name: verified
    key: authenticated
    when: became_true
    target: Billing
    reason: caller verified
  - name: topic
    key: topic
    routes:
      billing: Billing
      general: Concierge
`
	r, err := Parse([]byte(doc))
	require.NoError(t, err)

	rules := r.StateRules()
	require.Len(t, rules, 2)
	assert.Equal(t, StateRule{Name: "verified", Key: "authenticated", When: WhenBecameTrue, Target: "Billing", Reason: "caller verified"}, rules[0])
	assert.Equal(t, WhenChanged, rules[1].When)
	assert.Equal(t, "Concierge", rules[1].Routes["general"])

	rules[1].Routes["general"] = "Billing"
	assert.Equal(t, "Concierge", r.StateRules()[1].Routes["general"], "StateRules returns copies")
}

func TestParse_StateRuleValidation(t *testing.T) {
	cases := map[string]string{
		"unknown target": `
state_rules:
  - {name: r, key: k, target: Nobody}`,
		"unknown route target": `
state_rules:
  - {name: r, key: k, routes: {x: Nobody}}`,
		"bad condition": `
state_rules:
  - {name: r, key: k, when: sometimes, target: Billing}`,
		"missing key": `
state_rules:
  - {name: r, target: Billing}`,
		"duplicate": `
state_rules:
  - {name: r, key: a, target: Billing}
  - {name: r, key: b, target: Billing}`,
	}
	for name, rules := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(testRegistry + rules))
			require.Error(t, err)
		})
	}
}
