package replica

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AMashenkov/ignite-3/replication"
)

// Metrics are the replica's request-path counters.
type Metrics struct {
	Requests          *prometheus.CounterVec
	IntentResolutions prometheus.Counter
	RowCleanups       prometheus.Counter
	OpenCursors       prometheus.Gauge
}

// NewMetrics registers the replica metrics for one replication group.
// Passing nil as registerer keeps the metrics unregistered, which tests use
// to avoid collisions.
func NewMetrics(reg prometheus.Registerer, group replication.GroupID) *Metrics {
	constLabels := prometheus.Labels{"group": group.String()}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "partition",
			Subsystem:   "replica",
			Name:        "requests_total",
			Help:        "Replica requests by kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"kind", "outcome"}),
		IntentResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "partition",
			Subsystem:   "replica",
			Name:        "intent_resolutions_total",
			Help:        "Write intents resolved on the read path.",
			ConstLabels: constLabels,
		}),
		RowCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "partition",
			Subsystem:   "replica",
			Name:        "row_cleanups_total",
			Help:        "Asynchronous per-row write intent cleanups.",
			ConstLabels: constLabels,
		}),
		OpenCursors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "partition",
			Subsystem:   "replica",
			Name:        "open_cursors",
			Help:        "Scan cursors currently registered.",
			ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.IntentResolutions, m.RowCleanups, m.OpenCursors)
	}
	return m
}

func (m *Metrics) observe(kind RequestKind, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Requests.WithLabelValues(kind.String(), outcome).Inc()
}
