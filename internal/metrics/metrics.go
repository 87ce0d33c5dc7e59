// Package metrics exposes the daemon's Prometheus collectors. All methods are
// safe on a nil *Metrics, so components built without metrics (tests, the
// one-shot CLI commands) need no special casing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "appmirror"

type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	coalesced    prometheus.Counter
	operations   *prometheus.CounterVec
	authRetries  prometheus.Counter
	events       *prometheus.CounterVec
	openTunnels  prometheus.Gauge
	staleGuards  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_passes_total",
			Help:      "Reconciliation passes by scope and result.",
		}, []string{"scope", "result"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_requests_coalesced_total",
			Help:      "Refresh requests merged into an already pending pass.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed operations by name and result.",
		}, []string{"operation", "result"}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_retries_total",
			Help:      "Remote calls replayed after re-authentication.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Published change events by type.",
		}, []string{"type"}),
		openTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_tunnels",
			Help:      "Currently open tunnels.",
		}),
		staleGuards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_guards",
			Help:      "Proxies whose destructive-operation guard outlived the staleness window.",
		}),
	}
	reg.MustRegister(m.passes, m.passDuration, m.coalesced, m.operations,
		m.authRetries, m.events, m.openTunnels, m.staleGuards)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObservePass(scope string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(scope, result(err)).Inc()
	m.passDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) OperationDone(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) AuthRetry() {
	if m == nil {
		return
	}
	m.authRetries.Inc()
}

func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetOpenTunnels(n int) {
	if m == nil {
		return
	}
	m.openTunnels.Set(float64(n))
}

func (m *Metrics) SetStaleGuards(n int) {
	if m == nil {
		return
	}
	m.staleGuards.Set(float64(n))
}
