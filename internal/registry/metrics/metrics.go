package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for result ingestion on the main server.
type Metrics struct {
	Records   *prometheus.CounterVec
	BatchSize prometheus.Histogram
}

// New creates a new Metrics instance with all registry metrics registered.
func New() *Metrics {
	return &Metrics{
		Records: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_registry_records_total",
			Help: "Result records received by ack status",
		}, []string{"status"}), // accepted, duplicate, rejected
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exambridge_registry_batch_size",
			Help:    "Records per ingest call",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

func (m *Metrics) IncrementRecord(status string) {
	if m != nil {
		m.Records.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveBatch(n int) {
	if m != nil {
		m.BatchSize.Observe(float64(n))
	}
}
