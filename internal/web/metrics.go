// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Requests counts API responses by route and status code.
// Use RegisterMetrics to register this with a Prometheus registry.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "akauth_web_requests_total",
		Help: "Total number of web API responses by route and status code",
	},
	[]string{"route", "code"},
)

// RequestDuration is the histogram of web API latency by route.
var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "akauth_web_request_duration_seconds",
		Help:    "Web API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route"},
)

// SessionsExpired counts site sessions ended by a fatal upstream error.
var SessionsExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "akauth_web_sessions_expired_total",
		Help: "Total number of site sessions ended because the upstream rejected them",
	},
)

// RegisterMetrics registers web metrics with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Requests)
	reg.MustRegister(RequestDuration)
	reg.MustRegister(SessionsExpired)
}

func recordRequest(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	//nolint:wrapcheck // ResponseWriter passthrough
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
