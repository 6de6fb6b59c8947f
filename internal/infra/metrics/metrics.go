// Package metrics provides Prometheus metrics for guardianctl:
// transport health, poll loops, setup progress and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Transport ──────────────────────────────────────────────────────────────

// RPCCalls tracks guardian RPC calls by method and outcome (ok|rpc_error|transport_error).
var RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardianctl",
	Name:      "rpc_calls_total",
	Help:      "Total guardian RPC calls by method and outcome.",
}, []string{"method", "outcome"})

// RPCLatency tracks guardian RPC round trips in seconds. DKG calls are slow,
// so the upper buckets reach into minutes.
var RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "guardianctl",
	Name:      "rpc_latency_seconds",
	Help:      "Guardian RPC round-trip latency in seconds.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
}, []string{"method"})

// ConnectAttempts tracks websocket dial attempts per guardian.
var ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardianctl",
	Name:      "connect_attempts_total",
	Help:      "Total websocket dial attempts per guardian.",
}, []string{"guardian"})

// ConnectFailures tracks connect calls that exhausted their backoff.
var ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardianctl",
	Name:      "connect_failures_total",
	Help:      "Connect calls that gave up after the maximum attempts.",
}, []string{"guardian"})

// ─── Polling ────────────────────────────────────────────────────────────────

// PollFailures tracks failed background fetches by poller.
var PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardianctl",
	Name:      "poll_failures_total",
	Help:      "Failed background poll fetches by poller.",
}, []string{"guardian", "poller"})

// ─── Setup ──────────────────────────────────────────────────────────────────

// SetupProgress tracks the local setup phase index (0=Start … 5=SetupComplete).
var SetupProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "guardianctl",
	Name:      "setup_progress",
	Help:      "Local setup phase index per guardian (0=Start, 5=SetupComplete).",
}, []string{"guardian"})

// PeersConnected tracks how many roster entries this guardian has seen.
var PeersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "guardianctl",
	Name:      "peers_connected",
	Help:      "Peers in the consensus roster as seen by each guardian.",
}, []string{"guardian"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "guardianctl",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
