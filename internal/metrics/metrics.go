// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "socks5d"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Session lifecycle
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	// Authentication
	AuthFailures     prometheus.Counter
	AuthMethodChosen *prometheus.CounterVec

	// CONNECT path
	ConnectLatency prometheus.Histogram
	DialErrors     *prometheus.CounterVec
	Replies        *prometheus.CounterVec

	// Relay
	BytesRelayed *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
// Tests should use this with a fresh prometheus.NewRegistry() to avoid
// "duplicate metrics collector registration" panics across test runs.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of SOCKS5 sessions currently in flight",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted SOCKS5 sessions",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session-terminating errors by kind",
		}, []string{"kind"}),

		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures (denied or no acceptable method)",
		}),
		AuthMethodChosen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_method_chosen_total",
			Help:      "Total sessions by chosen authentication method",
		}, []string{"method"}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Latency of resolve+dial for CONNECT requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		DialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total outbound dial errors by mapped reply code",
		}, []string{"reply"}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total SOCKS5 replies sent by code",
		}, []string{"reply"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),
	}
}

// RecordSessionAccepted records a newly accepted session.
func (m *Metrics) RecordSessionAccepted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClosed records a session finishing, for any reason.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordSessionError records a session-terminating error by kind
// (transport, malformed, unsupported, policy_denied, timeout, or
// max_connections for a connection refused at the limit).
func (m *Metrics) RecordSessionError(kind string) {
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// RecordAuthFailure records a rejected or denied authentication attempt.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordAuthMethod records the method chosen for a session.
func (m *Metrics) RecordAuthMethod(method string) {
	m.AuthMethodChosen.WithLabelValues(method).Inc()
}

// RecordConnectLatency records resolve+dial latency for a CONNECT request.
func (m *Metrics) RecordConnectLatency(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordDialError records a dial failure by the reply code it was mapped to.
func (m *Metrics) RecordDialError(reply string) {
	m.DialErrors.WithLabelValues(reply).Inc()
}

// RecordReply records a SOCKS5 reply sent to a client.
func (m *Metrics) RecordReply(reply string) {
	m.Replies.WithLabelValues(reply).Inc()
}

// RecordBytesRelayed records bytes forwarded in one relay direction
// ("client_to_upstream" or "upstream_to_client").
func (m *Metrics) RecordBytesRelayed(direction string, n int) {
	if n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}
