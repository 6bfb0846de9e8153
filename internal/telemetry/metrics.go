package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks ingress request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "skygate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var ProxyAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "proxy",
		Name:      "attempts_total",
		Help:      "Total number of outbound forward attempts by backend and outcome.",
	},
	[]string{"backend", "outcome"},
)

var ProxyRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "proxy",
		Name:      "retries_total",
		Help:      "Total number of forward retries by backend.",
	},
	[]string{"backend"},
)

var CredentialRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "auth",
		Name:      "credential_rejections_total",
		Help:      "Total number of rejected credentials by error kind.",
	},
	[]string{"kind"},
)

var RegistryRefreshesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "registry",
		Name:      "refreshes_total",
		Help:      "Total number of registry cache refreshes by outcome.",
	},
	[]string{"outcome"},
)

var HubConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "skygate",
		Subsystem: "hub",
		Name:      "connections_active",
		Help:      "Number of currently open real-time client sockets.",
	},
)

var HubSubscriptionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "skygate",
		Subsystem: "hub",
		Name:      "subscriptions_active",
		Help:      "Number of currently active subject subscriptions.",
	},
)

var HubBroadcastsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "hub",
		Name:      "broadcasts_total",
		Help:      "Total number of publications fanned out by kind.",
	},
	[]string{"kind"},
)

var HubMessagesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "hub",
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped by the slow-consumer policy.",
	},
)

var HubSlowConsumerClosesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "hub",
		Name:      "slow_consumer_closes_total",
		Help:      "Total number of sockets force-closed for persistent lag.",
	},
)

var PublicationsReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "publisher",
		Name:      "publications_received_total",
		Help:      "Total number of inbound publications by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// All returns all SkyGate-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProxyAttemptsTotal,
		ProxyRetriesTotal,
		CredentialRejectionsTotal,
		RegistryRefreshesTotal,
		HubConnectionsActive,
		HubSubscriptionsActive,
		HubBroadcastsTotal,
		HubMessagesDroppedTotal,
		HubSlowConsumerClosesTotal,
		PublicationsReceivedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
