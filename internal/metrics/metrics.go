package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnstile"

// Metrics groups the Prometheus collectors shared by the device engine and the server of
// record. A nil *Metrics is valid and records nothing.
type Metrics struct {
	scans             *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	reconcileOutcomes *prometheus.CounterVec
	submitLatency     prometheus.Histogram
	busDrops          *prometheus.CounterVec
	serverVerdicts    *prometheus.CounterVec
}

// New registers the collectors on the provided registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		scans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Check-in attempts by verification status and origin",
			},
			[]string{"status", "origin"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_queue_depth",
				Help:      "Entries awaiting confirmation by the server of record",
			},
		),
		reconcileOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Reconciliation results per queue entry",
			},
			[]string{"outcome"},
		),
		submitLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Latency of check-in submissions to the server of record",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		busDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_bus_dropped_total",
				Help:      "Events dropped because a subscriber fell behind",
			},
			[]string{"event_type"},
		),
		serverVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_verdicts_total",
				Help:      "Verdicts issued by the server of record",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveScan(status, origin string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(status, origin).Inc()
}

func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSubmit(duration time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(duration.Seconds())
}

func (m *Metrics) ObserveBusDrop(eventType string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveVerdict(outcome string) {
	if m == nil {
		return
	}
	m.serverVerdicts.WithLabelValues(outcome).Inc()
}
