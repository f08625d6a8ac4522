// SPDX-License-Identifier: MIT

// Package metrics registers the process-wide prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdarr",
			Name:      "command_runs_total",
			Help:      "Command executions by name and outcome",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cmdarr",
			Name:      "command_duration_seconds",
			Help:      "Command execution duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"command"},
	)

	cacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdarr",
			Name:      "cache_ops_total",
			Help:      "Response cache operations by source and result",
		},
		[]string{"source", "result"},
	)

	libraryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdarr",
			Name:      "library_lookups_total",
			Help:      "Library cache track lookups by service and result",
		},
		[]string{"service", "result"},
	)

	libraryLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cmdarr",
			Name:      "library_lookup_duration_seconds",
			Help:      "Library cache track lookup latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"service"},
	)

	outboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdarr",
			Name:      "outbound_requests_total",
			Help:      "Outbound API calls by service and status class",
		},
		[]string{"service", "status"},
	)

	rateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cmdarr",
			Name:      "ratelimit_waits_total",
			Help:      "Token bucket acquisitions that had to wait",
		},
		[]string{"service"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cmdarr",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	wsSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cmdarr",
			Name:      "ws_subscribers",
			Help:      "Connected WebSocket subscribers",
		},
	)
)

// RecordCommandRun records one finished command execution.
func RecordCommandRun(command string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	commandRuns.WithLabelValues(command, outcome).Inc()
	commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordCacheOp records a response-cache hit, miss, set or failure mark.
func RecordCacheOp(source, result string) {
	cacheOps.WithLabelValues(source, result).Inc()
}

// RecordLibraryLookup records one track lookup against a library snapshot.
func RecordLibraryLookup(service string, hit bool, d time.Duration) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	libraryLookups.WithLabelValues(service, result).Inc()
	libraryLookupDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordOutboundRequest records an outbound HTTP call by status class ("2xx", "5xx", "error").
func RecordOutboundRequest(service, status string) {
	outboundRequests.WithLabelValues(service, status).Inc()
}

// RecordRateLimitWait records a limiter acquisition that blocked.
func RecordRateLimitWait(service string) {
	rateLimitWaits.WithLabelValues(service).Inc()
}

// SetCircuitBreakerState publishes a breaker state transition.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

// SetWSSubscribers publishes the current subscriber count.
func SetWSSubscribers(n int) {
	wsSubscribers.Set(float64(n))
}
