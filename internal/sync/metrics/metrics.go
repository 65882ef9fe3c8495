package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for center to main synchronization.
type Metrics struct {
	Runs        *prometheus.CounterVec
	Records     *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Pending     prometheus.Gauge
}

// New creates a new Metrics instance with all sync metrics registered.
func New() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_sync_runs_total",
			Help: "Sync passes by outcome",
		}, []string{"outcome"}), // ok, partial, error, cancelled
		Records: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "exambridge_sync_records_total",
			Help: "Submitted sessions sent to the registry by result",
		}, []string{"result"}), // synced, failed
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "exambridge_sync_run_duration_seconds",
			Help:    "Duration of one sync pass",
			Buckets: prometheus.DefBuckets,
		}),
		Pending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "exambridge_sync_pending_sessions",
			Help: "Submitted sessions not yet acknowledged by the registry",
		}),
	}
}

func (m *Metrics) ObserveRun(outcome string, start time.Time) {
	if m != nil {
		m.Runs.WithLabelValues(outcome).Inc()
		m.RunDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) AddRecords(synced, failed int) {
	if m != nil {
		m.Records.WithLabelValues("synced").Add(float64(synced))
		m.Records.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}
