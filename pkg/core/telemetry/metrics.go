package telemetry

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink consumes flushed records.
type Sink interface {
	Observe(TurnRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(TurnRecord)

func (f SinkFunc) Observe(rec TurnRecord) { f(rec) }

// Emit hands rec to every sink. A panicking sink is logged and skipped.
func Emit(logger *slog.Logger, rec TurnRecord, sinks ...Sink) {
	for _, s := range sinks {
		if s == nil {
			continue
		}
		emitOne(logger, rec, s)
	}
}

func emitOne(logger *slog.Logger, rec TurnRecord, s Sink) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Warn("turn telemetry sink panicked", "agent", rec.Agent, "panic", r)
		}
	}()
	s.Observe(rec)
}

// Metrics exports turn records and session-level counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Turns          *prometheus.CounterVec
	Responses      *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	TTFT           *prometheus.HistogramVec
	TurnDuration   *prometheus.HistogramVec
	Handoffs       *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "switchboard"
	}
	latency := []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10}
	m := &Metrics{
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turns",
			Name:      "total",
			Help:      "Completed user turns by agent",
		}, []string{"agent"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turns",
			Name:      "responses_total",
			Help:      "Dialogue responses by agent",
		}, []string{"agent"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "turns",
			Name:      "tokens_total",
			Help:      "Token usage by agent and direction",
		}, []string{"agent", "direction"}),
		TTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turns",
			Name:      "ttft_seconds",
			Help:      "Average time to first output per agent episode",
			Buckets:   latency,
		}, []string{"agent"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turns",
			Name:      "duration_seconds",
			Help:      "Average turn duration per agent episode",
			Buckets:   latency,
		}, []string{"agent"}),
		Handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "handoffs_total",
			Help:      "Agent switches by source, target and outcome",
		}, []string{"from", "to", "result"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Live voice sessions",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Turns, m.Responses, m.Tokens, m.TTFT, m.TurnDuration, m.Handoffs, m.ActiveSessions)
	}
	return m
}

// Observe implements Sink.
func (m *Metrics) Observe(rec TurnRecord) {
	if m == nil {
		return
	}
	agent := rec.Agent
	if agent == "" {
		agent = "unknown"
	}
	m.Turns.WithLabelValues(agent).Add(float64(rec.Turns))
	m.Responses.WithLabelValues(agent).Add(float64(rec.ResponseCount))
	m.Tokens.WithLabelValues(agent, "input").Add(float64(rec.InputTokens))
	m.Tokens.WithLabelValues(agent, "output").Add(float64(rec.OutputTokens))
	if rec.TTFT > 0 {
		m.TTFT.WithLabelValues(agent).Observe(rec.TTFT.Seconds())
	}
	if rec.Duration > 0 {
		m.TurnDuration.WithLabelValues(agent).Observe(rec.Duration.Seconds())
	}
}

func (m *Metrics) Handoff(from, to, result string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(from, to, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
