// Package metrics provides Prometheus instrumentation for the ban-sync
// engine. It exposes gauges for transport state, counters for remote ban
// operations and reconciliation outcomes, and histograms for RPC latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransportConnected is 1 while the integration's websocket is connected.
	TransportConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bansync_transport_connected",
		Help: "Whether the integration websocket is currently connected",
	}, []string{"integration"})

	// TransportReconnects counts connection attempts that failed or dropped
	// and were scheduled for a retry.
	TransportReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bansync_transport_reconnects_total",
		Help: "Total number of websocket reconnect attempts",
	}, []string{"integration"})

	// RPCRequests counts outbound RPC calls, labeled by command and outcome:
	// "ok", "failed", "timeout", "stopped" or "cancelled".
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bansync_rpc_requests_total",
		Help: "Total number of outbound RPC requests",
	}, []string{"command", "outcome"})

	// RPCRetransmits counts requests that were sent a second time.
	RPCRetransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bansync_rpc_retransmits_total",
		Help: "Total number of RPC requests retransmitted after a timeout",
	})

	// RPCLatency records the time from first send to response.
	RPCLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bansync_rpc_latency_seconds",
		Help:    "RPC round-trip latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"command"})

	// BanOperations counts remote ban mutations by operation ("ban",
	// "unban", "expire") and outcome ("ok", "failed").
	BanOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bansync_ban_operations_total",
		Help: "Total number of remote ban operations",
	}, []string{"kind", "op", "outcome"})

	// SyncRuns counts reconciliation passes by outcome: "ok", "invalid" or
	// "failed".
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bansync_sync_runs_total",
		Help: "Total number of synchronization passes",
	}, []string{"kind", "outcome"})

	// SyncCorrections counts local or remote changes made by reconciliation,
	// labeled by action: "deleted", "downgraded", "expired_foreign",
	// "linked".
	SyncCorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bansync_sync_corrections_total",
		Help: "Total number of corrections applied during synchronization",
	}, []string{"kind", "action"})

	// EnabledIntegrations tracks the number of enabled integrations.
	EnabledIntegrations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bansync_enabled_integrations",
		Help: "Current number of enabled integrations",
	}, []string{"kind"})

	// AlertsSent counts dangerous player alerts forwarded to communities.
	AlertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bansync_alerts_sent_total",
		Help: "Total number of possibly dangerous player alerts sent",
	})
)

func init() {
	prometheus.MustRegister(
		TransportConnected,
		TransportReconnects,
		RPCRequests,
		RPCRetransmits,
		RPCLatency,
		BanOperations,
		SyncRuns,
		SyncCorrections,
		EnabledIntegrations,
		AlertsSent,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
