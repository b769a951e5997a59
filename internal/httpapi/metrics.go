// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestsTotal is the counter for handled API requests.
// Use RegisterMetrics to register this with a Prometheus registry.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_http_requests_total",
		Help: "Total number of HTTP API requests",
	},
	[]string{"endpoint", "status"},
)

// RequestDuration is the histogram for API request latency.
// Use RegisterMetrics to register this with a Prometheus registry.
var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "keyfold_http_request_duration_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint"},
)

// RateLimitedTotal is the counter for rate limited requests.
// Use RegisterMetrics to register this with a Prometheus registry.
var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keyfold_http_rate_limited_total",
		Help: "Total number of rate limited HTTP API requests",
	},
	[]string{"endpoint"},
)

// RegisterMetrics registers httpapi package metrics with the given Prometheus
// registry. This must be called at startup to make metrics available on
// /metrics. Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RequestsTotal)
	reg.MustRegister(RequestDuration)
	reg.MustRegister(RateLimitedTotal)
}

// recordRequest increments the request counter and observes the latency for
// one handled request.
func recordRequest(endpoint string, status int, seconds float64) {
	RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// recordRateLimited increments the rate limited counter.
func recordRateLimited(endpoint string) {
	RateLimitedTotal.WithLabelValues(endpoint).Inc()
}
