package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for offline package generation.
type Metrics struct {
	PackagesGenerated prometheus.Counter
	GenerateFailures  *prometheus.CounterVec
	BundleBytes       prometheus.Histogram
	Downloads         prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		PackagesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_packages_generated_total",
			Help: "Offline packages published",
		}),
		GenerateFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_package_generate_failures_total",
			Help: "Package generation failures by reason",
		}, []string{"reason"}),
		BundleBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exambridge_package_bundle_bytes",
			Help:    "Compressed bundle size",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
		Downloads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "exambridge_package_downloads_total",
			Help: "Package downloads served to centers",
		}),
	}
}

func (m *Metrics) ObserveGenerated(size int64) {
	if m != nil {
		m.PackagesGenerated.Inc()
		m.BundleBytes.Observe(float64(size))
	}
}

func (m *Metrics) IncrementGenerateFailure(reason string) {
	if m != nil {
		m.GenerateFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncrementDownloads() {
	if m != nil {
		m.Downloads.Inc()
	}
}
