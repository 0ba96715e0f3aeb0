// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package region

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch status labels.
const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// ConfigFetches counts region config fetches by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var ConfigFetches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "akauth_region_config_fetches_total",
		Help: "Total number of region config fetches by region and status",
	},
	[]string{"region", "status"},
)

// ConfigLoadedAt records the Unix time of the last successful load per region.
var ConfigLoadedAt = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "akauth_region_config_loaded_timestamp_seconds",
		Help: "Unix timestamp of the last successful region config load",
	},
	[]string{"region"},
)

// RegisterMetrics registers region metrics with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ConfigFetches)
	reg.MustRegister(ConfigLoadedAt)
}

func recordFetch(code Code, status string) {
	ConfigFetches.WithLabelValues(string(code), status).Inc()
}

func recordLoaded(code Code, at time.Time) {
	ConfigLoadedAt.WithLabelValues(string(code)).Set(float64(at.Unix()))
}
