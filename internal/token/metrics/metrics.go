package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for access token validation.
type Metrics struct {
	Validations      *prometheus.CounterVec
	ValidateDuration prometheus.Histogram
	TokensExpired    prometheus.Counter
}

// New creates a new Metrics instance with all token metrics registered.
func New() *Metrics {
	return &Metrics{
		Validations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_token_validations_total",
			Help: "Access token validations by outcome",
		}, []string{"outcome"}), // ok, invalid, expired, exhausted
		ValidateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exambridge_token_validate_duration_seconds",
			Help:    "Duration of access token validation including the atomic usage increment",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		TokensExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_tokens_expired_total",
			Help: "Tokens revoked by the expiry sweep",
		}),
	}
}

func (m *Metrics) IncrementValidation(outcome string) {
	if m != nil {
		m.Validations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveValidate(start time.Time) {
	if m != nil {
		m.ValidateDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) AddExpired(n int) {
	if m != nil {
		m.TokensExpired.Add(float64(n))
	}
}
