package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink turns events into Prometheus metrics.
type MetricsSink struct {
	runs        *prometheus.CounterVec
	uploaded    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	batches     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	inFlight    *prometheus.GaugeVec
}

// NewMetricsSink registers its collectors with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	f := promauto.With(reg)
	return &MetricsSink{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total finished sync runs",
		}, []string{"dataset", "outcome"}),
		uploaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "features_uploaded_total",
			Help:      "Total features accepted by the target",
		}, []string{"dataset"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "features_dropped_total",
			Help:      "Total source features dropped while cleaning",
		}, []string{"dataset"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "batches_total",
			Help:      "Total add-features batches uploaded",
		}, []string{"dataset"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"dataset", "outcome"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}, []string{"dataset"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "layersync",
			Subsystem: "sync",
			Name:      "in_flight",
			Help:      "Runs currently in progress",
		}, []string{"dataset"}),
	}
}

func (m *MetricsSink) Emit(_ context.Context, e Event) {
	switch e.Type {
	case Start:
		m.inFlight.WithLabelValues(e.Dataset).Inc()
	case Cleaned:
		m.dropped.WithLabelValues(e.Dataset).Add(float64(e.Dropped))
	case Batch:
		m.batches.WithLabelValues(e.Dataset).Inc()
		m.uploaded.WithLabelValues(e.Dataset).Add(float64(e.Records))
	case Success, Failure:
		outcome := string(e.Type)
		m.inFlight.WithLabelValues(e.Dataset).Dec()
		m.runs.WithLabelValues(e.Dataset, outcome).Inc()
		m.duration.WithLabelValues(e.Dataset, outcome).Observe(e.Duration.Seconds())
		if e.Type == Success {
			m.lastSuccess.WithLabelValues(e.Dataset).Set(float64(e.Time.Unix()))
		}
	}
}
