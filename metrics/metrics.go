// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the portal's Prometheus instrumentation:
// HTTP request counters and latencies, workflow counters for reviews
// and provisioning, console session gauges, and a collector that
// reports managed resources per environment at scrape time.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatehouse_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	reviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_reviews_total",
			Help: "Request reviews by outcome (approved, rejected, provision_failed, invalid_state).",
		},
		[]string{"outcome"},
	)

	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatehouse_provision_duration_seconds",
			Help:    "Time to provision a guest, by kind.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	consoleSessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatehouse_console_sessions_open",
		Help: "Console relay sessions currently open.",
	})

	consoleSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_console_sessions_total",
			Help: "Console sessions by final close reason.",
		},
		[]string{"reason"},
	)
)

// ResourceCounter is the subset of the registry needed to collect
// per-environment resource gauges.
type ResourceCounter interface {
	CountByEnvironment(ctx context.Context) (map[string]int, error)
}

type resourceCollector struct {
	counter       ResourceCounter
	resourcesDesc *prometheus.Desc
}

func (c *resourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.resourcesDesc
}

func (c *resourceCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.counter.CountByEnvironment(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.resourcesDesc, err)
		return
	}
	for environment, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.resourcesDesc,
			prometheus.GaugeValue,
			float64(n),
			environment,
		)
	}
}

// Register registers all metrics with the default registry. Call once
// at startup after the registry store is open.
func Register(counter ResourceCounter) {
	prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		httpRequestsTotal,
		httpRequestDuration,
		reviewsTotal,
		provisionDuration,
		consoleSessionsOpen,
		consoleSessionsTotal,

		&resourceCollector{
			counter: counter,
			resourcesDesc: prometheus.NewDesc(
				"gatehouse_resources_managed",
				"Managed cluster guests, partitioned by environment tag.",
				[]string{"environment"},
				nil,
			),
		},
	)
}

// Handler returns the Prometheus handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ReviewOutcome records one review by outcome label.
func ReviewOutcome(outcome string) {
	reviewsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProvision records one provisioning duration.
func ObserveProvision(kind string, elapsed time.Duration) {
	provisionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ConsoleSessionStarted marks a console session open.
func ConsoleSessionStarted() {
	consoleSessionsOpen.Inc()
}

// ConsoleSessionEnded marks a console session closed with its reason.
func ConsoleSessionEnded(reason string) {
	consoleSessionsOpen.Dec()
	consoleSessionsTotal.WithLabelValues(reason).Inc()
}

// responseWriter captures the response status code for labels.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps a handler to record HTTP metrics. pattern should
// be the route pattern ("/api/requests/{id}") so the path label has
// bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(rw, r)
	})
}
