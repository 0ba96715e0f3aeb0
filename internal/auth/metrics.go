// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for dispatch and login metrics.
const (
	StatusSuccess      = "success"
	StatusRejected     = "rejected"
	StatusDesync       = "desync"
	StatusUpstreamErr  = "upstream_error"
	StatusTimeout      = "timeout"
	StatusUnavailable  = "unavailable"
	StatusInvalid      = "invalid_session"
	StatusNoRegionConf = "region_unavailable"
)

// LoginAttempts is the counter for handshake attempts.
// Use RegisterMetrics to register this with a Prometheus registry.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "akauth_login_attempts_total",
		Help: "Total number of login handshakes by region and outcome",
	},
	[]string{"region", "outcome"},
)

// Dispatches is the counter for authenticated calls.
// Use RegisterMetrics to register this with a Prometheus registry.
var Dispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "akauth_dispatches_total",
		Help: "Total number of authenticated upstream calls",
	},
	[]string{"service", "status"},
)

// DispatchDuration is the histogram for authenticated call latency.
// Use RegisterMetrics to register this with a Prometheus registry.
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "akauth_dispatch_duration_seconds",
		Help:    "Authenticated upstream call duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service"},
)

// RegisterMetrics registers auth package metrics with the given Prometheus registry.
// This must be called at startup to make metrics available on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(Dispatches)
	reg.MustRegister(DispatchDuration)
}

// RecordLogin increments the login counter. outcome is StatusSuccess or the
// name of the failed stage.
func RecordLogin(r, outcome string) {
	LoginAttempts.WithLabelValues(r, outcome).Inc()
}

// RecordDispatch records one authenticated call.
func RecordDispatch(service, status string, duration time.Duration) {
	Dispatches.WithLabelValues(service, status).Inc()
	DispatchDuration.WithLabelValues(service).Observe(duration.Seconds())
}
