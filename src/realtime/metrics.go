package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's instrumentation. It registers against an
// explicitly supplied registry owned by the composition root; there is no
// process-global registration.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	BroadcastsTotal       prometheus.Counter
	DirectSendsTotal      prometheus.Counter
	RateLimitedTotal      prometheus.Counter
	BlockedTotal          prometheus.Counter
	BrokerPublishFailures prometheus.Counter
}

// NewMetrics creates and registers the coordinator metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "active_connections",
			Help:      "Currently registered connections.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "broadcasts_total",
			Help:      "Broadcast calls accepted for delivery.",
		}),
		DirectSendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "direct_sends_total",
			Help:      "Point-to-point sends accepted for delivery.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "rate_limited_total",
			Help:      "Requests denied by a rate-limit layer.",
		}),
		BlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "blocked_total",
			Help:      "Connections denied by the abuse guard or IP filter.",
		}),
		BrokerPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "broker_publish_failures_total",
			Help:      "Broker publishes that failed and were absorbed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.BroadcastsTotal,
			m.DirectSendsTotal,
			m.RateLimitedTotal,
			m.BlockedTotal,
			m.BrokerPublishFailures,
		)
	}
	return m
}
