// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the stratum proxy.
//
// All helper methods are safe to call on a nil *Metrics, so components can
// run uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Godsnightmare/stratumproxy/pkg/breaker"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Stratum metrics
	Logins *prometheus.CounterVec
	Shares *prometheus.CounterVec

	// Relay metrics
	RelayedBytes *prometheus.CounterVec

	// Upstream metrics
	UpstreamDials        *prometheus.CounterVec
	UpstreamDialDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// New creates a Metrics registered on reg. A nil reg registers on the
// default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "stratumproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions currently in the registry",
			},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of closed sessions by the reason they ended",
			},
			[]string{"reason"},
		),
		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
			},
		),
		Logins: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Total number of miner logins by selected pool",
			},
			[]string{"pool"},
		),
		Shares: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shares_total",
				Help:      "Total number of share responses by pool and result",
			},
			[]string{"pool", "result"},
		),
		RelayedBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total bytes relayed by direction",
			},
			[]string{"direction"},
		),
		UpstreamDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_dials_total",
				Help:      "Total number of upstream dials by pool and status",
			},
			[]string{"pool", "status"},
		),
		UpstreamDialDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_dial_duration_seconds",
				Help:      "Time from dial start to connected, including TLS",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"pool"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"pool"},
		),
	}
}

// SessionOpened counts a session entering the registry.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed counts a session leaving the registry.
func (m *Metrics) SessionClosed(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// Login counts a miner login routed to pool.
func (m *Metrics) Login(pool string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(pool).Inc()
}

// Share counts a share response.
func (m *Metrics) Share(pool string, accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.Shares.WithLabelValues(pool, result).Inc()
}

// Relayed counts n bytes forwarded in direction.
func (m *Metrics) Relayed(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayedBytes.WithLabelValues(direction).Add(float64(n))
}

// Dial records the outcome of an upstream dial.
func (m *Metrics) Dial(pool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.UpstreamDials.WithLabelValues(pool, status).Inc()
	if err == nil {
		m.UpstreamDialDuration.WithLabelValues(pool).Observe(d.Seconds())
	}
}

// BreakerChanged tracks a pool breaker state change. It matches
// breaker.StateFunc.
func (m *Metrics) BreakerChanged(pool string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(pool).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(pool).Inc()
	}
}
