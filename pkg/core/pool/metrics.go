package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pool state to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Handles      *prometheus.GaugeVec
	Acquisitions *prometheus.CounterVec
	Exhausted    *prometheus.CounterVec
	AcquireWait  *prometheus.HistogramVec
	WarmUps      *prometheus.CounterVec
	Retired      *prometheus.CounterVec
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "switchboard"
	}
	m := &Metrics{
		Handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "handles",
			Help:      "Speech engine handles by kind and state",
		}, []string{"kind", "state"}),
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "acquisitions_total",
			Help:      "Handle acquisitions by kind and tier",
		}, []string{"kind", "tier"}),
		Exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "exhausted_total",
			Help:      "Acquisitions that failed because warm and temporary capacity were exhausted",
		}, []string{"kind"}),
		AcquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a handle",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		WarmUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "voice_warmups_total",
			Help:      "Voice warm-up calls by kind and result",
		}, []string{"kind", "result"}),
		Retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speech_pool",
			Name:      "retired_total",
			Help:      "Handles closed because they exceeded the maximum age",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Handles, m.Acquisitions, m.Exhausted, m.AcquireWait, m.WarmUps, m.Retired)
	}
	return m
}

func (m *Metrics) observeStats(kind Kind, st Stats) {
	if m == nil {
		return
	}
	k := string(kind)
	m.Handles.WithLabelValues(k, "free").Set(float64(st.Free))
	m.Handles.WithLabelValues(k, "in_use").Set(float64(st.InUse))
	m.Handles.WithLabelValues(k, "temporary").Set(float64(st.Temporary))
	m.Handles.WithLabelValues(k, "creating").Set(float64(st.Creating))
}

func (m *Metrics) acquired(kind Kind, tier Tier, waited time.Duration) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(string(kind), string(tier)).Inc()
	m.AcquireWait.WithLabelValues(string(kind)).Observe(waited.Seconds())
}

func (m *Metrics) exhausted(kind Kind) {
	if m == nil {
		return
	}
	m.Exhausted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) retired(kind Kind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Retired.WithLabelValues(string(kind)).Add(float64(n))
}

// WarmUp records the outcome of a voice warm-up ("ran", "cached", "timeout", "error").
func (m *Metrics) WarmUp(kind Kind, result string) {
	if m == nil {
		return
	}
	m.WarmUps.WithLabelValues(string(kind), result).Inc()
}
