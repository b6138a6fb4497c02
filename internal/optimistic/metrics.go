package optimistic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("relaymutate.optimistic")

// Metrics holds the Prometheus collectors for mutation outcomes. A nil
// *Metrics records nothing.
type Metrics struct {
	updates        *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	conflicts      *prometheus.CounterVec
	retries        *prometheus.CounterVec
	batchSize      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymutate_updates_total",
			Help: "Update entries entering each status",
		}, []string{"type", "status"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaymutate_remote_duration_seconds",
			Help:    "Duration of remote operation attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymutate_conflicts_total",
			Help: "Field conflicts between speculative and confirmed values",
		}, []string{"strategy"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymutate_retries_total",
			Help: "Retry requests by result",
		}, []string{"type", "result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymutate_batch_size",
			Help:    "Number of mutations flushed per batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.updates, m.remoteDuration, m.conflicts, m.retries, m.batchSize} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeStatus(updateType string, status Status) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(updateType, string(status)).Inc()
}

func (m *Metrics) observeRemote(updateType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.WithLabelValues(updateType, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeConflict(strategy Strategy) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(strategy)).Inc()
}

func (m *Metrics) observeRetry(updateType, result string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(updateType, result).Inc()
}

func (m *Metrics) observeBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}
