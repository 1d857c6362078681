// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the primary metrics the agent updates during operation:
//   • autosell_orders_total{result}            – Sell orders by result (submitted|filled|partial|failed|ambiguous)
//   • autosell_gate_rejects_total{reason}      – Dispatch-gate rejections by reason
//   • autosell_rest_requests_total{endpoint,outcome} – Venue REST calls by endpoint and outcome (ok|error)
//   • autosell_rest_retries_total              – Retries taken by the REST retry wrapper
//   • autosell_feed_connected                  – 1 while the balance feed is subscribed (gauge)
//   • autosell_feed_reconnects_total           – Feed reconnect cycles started
//   • autosell_feed_events_total{type}         – Feed frames by type (snapshot|update|heartbeat|status)
//   • autosell_heartbeat_age_seconds           – Seconds since the last feed heartbeat (gauge)
//
// These are registered in init() and served by the HTTP handler started in
// main.go at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_orders_total",
			Help: "Sell orders by result",
		},
		[]string{"result"},
	)

	mtxGateRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_gate_rejects_total",
			Help: "Dispatch-gate rejections by reason",
		},
		[]string{"reason"},
	)

	mtxRESTRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_rest_requests_total",
			Help: "Venue REST calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	mtxRESTRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosell_rest_retries_total",
			Help: "Retries taken by the REST retry wrapper",
		},
	)

	mtxFeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autosell_feed_connected",
			Help: "1 while the balance feed is subscribed",
		},
	)

	mtxFeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autosell_feed_reconnects_total",
			Help: "Feed reconnect cycles started",
		},
	)

	mtxFeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autosell_feed_events_total",
			Help: "Feed frames by type",
		},
		[]string{"type"},
	)

	mtxHeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autosell_heartbeat_age_seconds",
			Help: "Seconds since the last feed heartbeat",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxGateRejects)
	prometheus.MustRegister(mtxRESTRequests, mtxRESTRetries)
	prometheus.MustRegister(mtxFeedConnected, mtxFeedReconnects, mtxFeedEvents, mtxHeartbeatAge)
}

// Helper setters (used across files)

func IncOrderResult(result string) { mtxOrders.WithLabelValues(result).Inc() }

func IncGateReject(reason string) { mtxGateRejects.WithLabelValues(reason).Inc() }

func IncRESTRequest(endpoint, outcome string) {
	mtxRESTRequests.WithLabelValues(endpoint, outcome).Inc()
}

func IncRESTRetry() { mtxRESTRetries.Inc() }

func SetFeedConnected(up bool) {
	if up {
		mtxFeedConnected.Set(1)
	} else {
		mtxFeedConnected.Set(0)
	}
}

func IncFeedReconnect() { mtxFeedReconnects.Inc() }

func IncFeedEvent(typ string) { mtxFeedEvents.WithLabelValues(typ).Inc() }

func SetHeartbeatAge(sec float64) { mtxHeartbeatAge.Set(sec) }
