// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/reconnect"
	"github.com/absmach/meshproxy/pkg/service"
)

// Metrics holds all Prometheus metrics of the proxy.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Routing metrics
	RouteBuilds      *prometheus.CounterVec
	RouteEvictions   *prometheus.CounterVec
	Selections       *prometheus.CounterVec
	DiscoveryUpdates *prometheus.CounterVec

	// Endpoint metrics
	EndpointTransitions *prometheus.CounterVec
	EndpointInFlight    *prometheus.GaugeVec
	BufferDepth         *prometheus.GaugeVec
	Retries             *prometheus.CounterVec

	// Admission metrics
	RateLimitedConnections prometheus.Counter

	// Identity metrics
	IdentityReloads *prometheus.CounterVec
	IdentityExpiry  prometheus.Gauge
}

// New creates a new Metrics instance registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "meshproxy"
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections",
			},
			[]string{"direction"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of classified connections",
			},
			[]string{"direction", "protocol", "tls"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connections ended by an error",
			},
			[]string{"direction", "kind"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"direction"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied HTTP requests",
			},
			[]string{"direction", "method", "status", "kind"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction", "method"},
		),
		RouteBuilds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_builds_total",
				Help:      "Total number of route constructions",
			},
			[]string{"protocol", "status"},
		),
		RouteEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_evictions_total",
				Help:      "Total number of idle route evictions",
			},
			[]string{"protocol"},
		),
		Selections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_selections_total",
				Help:      "Total number of balancer endpoint selections",
			},
			[]string{"target", "endpoint"},
		),
		DiscoveryUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_updates_total",
				Help:      "Total number of endpoint set updates",
			},
			[]string{"target", "status"},
		),
		EndpointTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoint_state_transitions_total",
				Help:      "Total number of endpoint connection state transitions",
			},
			[]string{"endpoint", "state"},
		),
		EndpointInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_in_flight",
				Help:      "Number of in-flight calls per endpoint",
			},
			[]string{"endpoint"},
		),
		BufferDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_depth",
				Help:      "Number of held buffer slots per target",
			},
			[]string{"target"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of admitted retries",
			},
			[]string{"target", "kind"},
		),
		RateLimitedConnections: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of rate limited connections",
			},
		),
		IdentityReloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_reloads_total",
				Help:      "Total number of identity reload attempts",
			},
			[]string{"status"},
		),
		IdentityExpiry: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "identity_expiry_timestamp_seconds",
				Help:      "Expiry of the current identity certificate",
			},
		),
	}

	return m
}

// ObserveBuild records a route construction attempt.
func (m *Metrics) ObserveBuild(target service.Target, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RouteBuilds.WithLabelValues(target.Protocol.String(), status).Inc()
}

// ObserveEvict records an idle route eviction.
func (m *Metrics) ObserveEvict(target service.Target) {
	m.RouteEvictions.WithLabelValues(target.Protocol.String()).Inc()
	m.BufferDepth.DeleteLabelValues(target.Addr)
}

// ObserveUpdate returns an observer of endpoint set updates for target.
func (m *Metrics) ObserveUpdate(target service.Target) func(discovery.Update) {
	return func(u discovery.Update) {
		m.DiscoveryUpdates.WithLabelValues(target.Addr, u.Status.String()).Inc()
	}
}

// ObserveSelect returns an observer of endpoint selections for target.
func (m *Metrics) ObserveSelect(target service.Target) func(string) {
	return func(addr string) {
		m.Selections.WithLabelValues(target.Addr, addr).Inc()
	}
}

// ObserveDepth returns an observer of the buffer depth of target.
func (m *Metrics) ObserveDepth(target service.Target) func(int) {
	return func(depth int) {
		m.BufferDepth.WithLabelValues(target.Addr).Set(float64(depth))
	}
}

// ObserveRetry returns an observer of retries to target.
func (m *Metrics) ObserveRetry(target service.Target) func(int, error) {
	return func(_ int, err error) {
		m.Retries.WithLabelValues(target.Addr, merrors.Kind(err)).Inc()
	}
}

// ObserveState records an endpoint state transition. An endpoint that is
// closed drops its in-flight gauge.
func (m *Metrics) ObserveState(addr string, _, to reconnect.State) {
	m.EndpointTransitions.WithLabelValues(addr, to.String()).Inc()
	if to == reconnect.StateClosed {
		m.EndpointInFlight.DeleteLabelValues(addr)
	}
}

// ObserveInFlight records the in-flight calls of an endpoint.
func (m *Metrics) ObserveInFlight(addr string, n int) {
	m.EndpointInFlight.WithLabelValues(addr).Set(float64(n))
}

// ObserveReject records a rate limited connection.
func (m *Metrics) ObserveReject(string) {
	m.RateLimitedConnections.Inc()
}

// ObserveReload records an identity reload.
func (m *Metrics) ObserveReload(expiry time.Time, err error) {
	if err != nil {
		m.IdentityReloads.WithLabelValues("error").Inc()
		return
	}
	m.IdentityReloads.WithLabelValues("success").Inc()
	m.IdentityExpiry.Set(float64(expiry.Unix()))
}

// Handler records connection and request metrics.
type Handler struct {
	metrics *Metrics

	mu     sync.Mutex
	starts map[string]time.Time
}

var _ handler.Handler = (*Handler)(nil)

// NewHandler creates a handler recording into m.
func NewHandler(m *Metrics) *Handler {
	return &Handler{
		metrics: m,
		starts:  make(map[string]time.Time),
	}
}

func (h *Handler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.starts[hctx.SessionID] = time.Now()
	h.mu.Unlock()
	h.metrics.ActiveConnections.WithLabelValues(hctx.Direction).Inc()
	return nil
}

func (h *Handler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.TotalConnections.WithLabelValues(hctx.Direction, hctx.Protocol, strconv.FormatBool(hctx.TLS)).Inc()
	return nil
}

func (h *Handler) OnRequest(ctx context.Context, hctx *handler.Context, req handler.Request) error {
	h.metrics.RequestsTotal.WithLabelValues(hctx.Direction, req.Method, strconv.Itoa(req.Status), merrors.Kind(req.Err)).Inc()
	h.metrics.RequestDuration.WithLabelValues(hctx.Direction, req.Method).Observe(req.Duration.Seconds())
	return nil
}

func (h *Handler) OnDisconnect(ctx context.Context, hctx *handler.Context, err error) error {
	h.mu.Lock()
	start, ok := h.starts[hctx.SessionID]
	delete(h.starts, hctx.SessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	h.metrics.ActiveConnections.WithLabelValues(hctx.Direction).Dec()
	h.metrics.ConnectionDuration.WithLabelValues(hctx.Direction).Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.ConnectionErrors.WithLabelValues(hctx.Direction, merrors.Kind(err)).Inc()
	}
	return nil
}
