package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the rollout collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	sideEffects *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollout",
			Name:      "transitions_total",
			Help:      "State transitions attempted, by operation and result.",
		}, []string{"operation", "result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollout",
			Name:      "rollbacks_total",
			Help:      "Rollbacks performed, split by urgency.",
		}, []string{"emergency"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rollout",
			Name:      "side_effects_total",
			Help:      "Best-effort calls by step and result.",
		}, []string{"step", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rollout",
			Name:      "operation_duration_seconds",
			Help:      "Latency of rollout operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{m.transitions, m.rollbacks, m.sideEffects, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records the outcome and latency of an operation started at start.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Rollback(emergency bool) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(strconv.FormatBool(emergency)).Inc()
}

func (m *Metrics) SideEffect(step string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.sideEffects.WithLabelValues(step, result).Inc()
}
