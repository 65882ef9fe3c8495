package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	rejected       *prometheus.CounterVec
	storeErrors    prometheus.Counter
	loginFailures  prometheus.Counter
	lockouts       prometheus.Counter
	lockedAccounts prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_ratelimit_rejected_total",
			Help: "Requests rejected by the rate limiter, by endpoint class",
		}, []string{"class"}),
		storeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_ratelimit_store_errors_total",
			Help: "Rate limit checks that failed open because the store errored",
		}),
		loginFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_ratelimit_login_failures_recorded_total",
			Help: "Failed center logins recorded for lockout",
		}),
		lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_ratelimit_login_lockouts_total",
			Help: "Center login lockouts applied",
		}),
		lockedAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "exambridge_ratelimit_locked_logins",
			Help: "Center code and IP pairs currently locked out",
		}),
	}
}

func (m *Metrics) IncRejected(class string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(class).Inc()
}

func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) IncLoginFailures() {
	if m == nil {
		return
	}
	m.loginFailures.Inc()
}

func (m *Metrics) IncLockouts() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) SetLocked(n int) {
	if m == nil {
		return
	}
	m.lockedAccounts.Set(float64(n))
}
