// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package metrics owns the Prometheus registry for the auth service.

Collectors:

  - tradepost_store_operations_total{store,backend,outcome}
  - tradepost_store_failovers_total{store}
  - tradepost_store_backend_up{store,backend}
  - tradepost_http_requests_total{method,route,status}
  - tradepost_http_request_duration_seconds{method,route}
  - tradepost_otp_events_total{purpose,event}

Every method is safe on a nil *Registry, so components can run without metrics.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradepost"

// Store operation outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Registry groups every collector the service exports.
type Registry struct {
	registry *prometheus.Registry

	storeOps     *prometheus.CounterVec
	failovers    *prometheus.CounterVec
	backendUp    *prometheus.GaugeVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	otpEvents    *prometheus.CounterVec
}

// New creates a private registry with the process and Go runtime collectors attached.
func New() *Registry {
	registry := prometheus.NewRegistry()

	metricsRegistry := &Registry{
		registry: registry,
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Store operations by store, backend and outcome.",
		}, []string{"store", "backend", "outcome"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failovers_total",
			Help:      "Operations that were re-routed from the primary to the fallback backend.",
		}, []string{"store"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_backend_up",
			Help:      "1 when the backend last answered its liveness probe.",
		}, []string{"store", "backend"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		otpEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_events_total",
			Help:      "One-time passcode lifecycle events by purpose.",
		}, []string{"purpose", "event"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metricsRegistry.storeOps,
		metricsRegistry.failovers,
		metricsRegistry.backendUp,
		metricsRegistry.httpRequests,
		metricsRegistry.httpDuration,
		metricsRegistry.otpEvents,
	)

	return metricsRegistry
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// # Store Collectors

// StoreOp counts one backend call.
func (r *Registry) StoreOp(store, backend string, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	r.storeOps.WithLabelValues(store, backend, outcome).Inc()
}

// Failover counts one call re-routed to the fallback.
func (r *Registry) Failover(store string) {
	if r == nil {
		return
	}
	r.failovers.WithLabelValues(store).Inc()
}

// BackendUp records the latest liveness result.
func (r *Registry) BackendUp(store, backend string, up bool) {
	if r == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	r.backendUp.WithLabelValues(store, backend).Set(value)
}

// # HTTP Collectors

// HTTPRequest records one finished request.
func (r *Registry) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// # OTP Collectors

// OTP lifecycle events.
const (
	EventIssued     = "issued"
	EventVerified   = "verified"
	EventMismatch   = "mismatch"
	EventExhausted  = "exhausted"
	EventCooldown   = "cooldown"
	EventDeliveryKO = "delivery_failed"
)

// OTPEvent counts one passcode lifecycle event.
func (r *Registry) OTPEvent(purpose, event string) {
	if r == nil {
		return
	}
	r.otpEvents.WithLabelValues(purpose, event).Inc()
}
