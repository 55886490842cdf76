package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_FlushRollsUpAndResets(t *testing.T) {
	clk := &stepClock{t: time.Unix(1000, 0)}
	tr := NewTracker(clk.Now)
	require.False(t, tr.HasActivity())

	tr.StartTurn()
	clk.advance(200 * time.Millisecond)
	tr.MarkFirstToken()
	clk.advance(100 * time.Millisecond)
	tr.MarkFirstToken() // ignored
	tr.AddUsage(10, 20)
	tr.AddResponse()
	clk.advance(700 * time.Millisecond)
	tr.EndTurn()

	tr.StartTurn()
	clk.advance(400 * time.Millisecond)
	tr.MarkFirstToken()
	tr.AddUsage(5, -3)
	tr.AddResponse()
	clk.advance(600 * time.Millisecond)

	require.True(t, tr.HasActivity())
	rec := tr.Flush("Concierge")

	assert.Equal(t, "Concierge", rec.Agent)
	assert.Equal(t, 2, rec.Turns)
	assert.Equal(t, time.Unix(1000, 0), rec.TurnStart)
	require.NotNil(t, rec.FirstToken)
	assert.Equal(t, time.Unix(1000, 0).Add(200*time.Millisecond), *rec.FirstToken)
	assert.Equal(t, 300*time.Millisecond, rec.TTFT)
	assert.Equal(t, time.Second, rec.Duration)
	assert.Equal(t, 15, rec.InputTokens)
	assert.Equal(t, 20, rec.OutputTokens)
	assert.Equal(t, 2, rec.ResponseCount)

	assert.False(t, tr.HasActivity())
	empty := tr.Flush("Billing")
	assert.Equal(t, TurnRecord{Agent: "Billing"}, empty)
}

func TestTracker_FirstTokenOutsideTurnIgnored(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkFirstToken()
	tr.EndTurn()
	rec := tr.Flush("A")
	assert.Nil(t, rec.FirstToken)
	assert.Zero(t, rec.Turns)
}

func TestTracker_ResponsesAloneCountAsActivity(t *testing.T) {
	tr := NewTracker(nil)
	tr.AddResponse()
	assert.True(t, tr.HasActivity())
}

func TestEmit_RecoversPanickingSink(t *testing.T) {
	var got []string
	Emit(nil, TurnRecord{Agent: "A"},
		SinkFunc(func(TurnRecord) { panic("boom") }),
		nil,
		SinkFunc(func(r TurnRecord) { got = append(got, r.Agent) }),
	)
	assert.Equal(t, []string{"A"}, got)
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)
	m.Observe(TurnRecord{Agent: "Billing", Turns: 2, ResponseCount: 3, InputTokens: 7, TTFT: time.Second})
	m.Handoff("Concierge", "Billing", "ok")
	m.SessionOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Turns.WithLabelValues("Billing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Responses.WithLabelValues("Billing")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Tokens.WithLabelValues("Billing", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handoffs.WithLabelValues("Concierge", "Billing", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	var nilMetrics *Metrics
	nilMetrics.Observe(TurnRecord{})
	nilMetrics.Handoff("a", "b", "c")
}
