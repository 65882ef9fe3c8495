package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for paper encryption and key release.
type Metrics struct {
	PapersCreated     prometheus.Counter
	KeyReleases       *prometheus.CounterVec
	DecryptionFailure prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		PapersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_papers_created_total",
			Help: "Question papers encrypted and stored",
		}),
		KeyReleases: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_key_releases_total",
			Help: "Key release attempts by outcome",
		}, []string{"outcome"}), // released, too_early, no_papers, error
		DecryptionFailure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_paper_decryption_failures_total",
			Help: "Papers that failed to open on the center tier",
		}),
	}
}

func (m *Metrics) IncrementPapersCreated() {
	if m != nil {
		m.PapersCreated.Inc()
	}
}

func (m *Metrics) IncrementRelease(outcome string) {
	if m != nil {
		m.KeyReleases.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementDecryptionFailure() {
	if m != nil {
		m.DecryptionFailure.Inc()
	}
}
