package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the lock manager's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	grants   *prometheus.CounterVec
	denials  *prometheus.CounterVec
	expiries prometheus.Counter
	held     *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. Each registry may hold one
// set; pass prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		grants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "lock",
			Name:      "grants_total",
			Help:      "Locks granted, including promotions from the queue.",
		}, []string{"mode"}),
		denials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "lock",
			Name:      "denials_total",
			Help:      "Lock requests denied.",
		}, []string{"mode"}),
		expiries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "lock",
			Name:      "expiries_total",
			Help:      "Holds force-released by the expiry sweep.",
		}),
		held: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Holds currently granted.",
		}, []string{"mode"}),
	}
}

func (m *Metrics) granted(mode Mode) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(string(mode)).Inc()
	m.held.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) released(mode Mode) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(string(mode)).Dec()
}

// restored counts a hold that comes back without a new grant.
func (m *Metrics) restored(mode Mode) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) denied(mode Mode) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) expired() {
	if m == nil {
		return
	}
	m.expiries.Inc()
}
