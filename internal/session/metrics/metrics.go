package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the exam session lifecycle.
type Metrics struct {
	Admissions   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	LiveSessions prometheus.Gauge
	Heartbeats   *prometheus.CounterVec
	ArmedTimers  prometheus.Gauge
}

// New creates a new Metrics instance with all session metrics registered.
func New() *Metrics {
	return &Metrics{
		Admissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_session_admissions_total",
			Help: "Admission attempts by outcome",
		}, []string{"outcome"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_session_transitions_total",
			Help: "Session state transitions by target status and reason",
		}, []string{"status", "reason"}),
		LiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "exambridge_sessions_live",
			Help: "Sessions currently tracked by the lifecycle manager",
		}),
		Heartbeats: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_session_heartbeats_total",
			Help: "Heartbeats received, split into applied and stale",
		}, []string{"result"}),
		ArmedTimers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "exambridge_session_timers_armed",
			Help: "Heartbeat and duration timers currently armed",
		}),
	}
}

func (m *Metrics) IncrementAdmission(outcome string) {
	if m != nil {
		m.Admissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementTransition(status, reason string) {
	if m != nil {
		if reason == "" {
			reason = "none"
		}
		m.Transitions.WithLabelValues(status, reason).Inc()
	}
}

func (m *Metrics) SetLive(n int) {
	if m != nil {
		m.LiveSessions.Set(float64(n))
	}
}

func (m *Metrics) IncrementHeartbeat(applied bool) {
	if m != nil {
		result := "stale"
		if applied {
			result = "applied"
		}
		m.Heartbeats.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AddTimers(delta int) {
	if m != nil {
		m.ArmedTimers.Add(float64(delta))
	}
}
