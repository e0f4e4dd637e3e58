// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
)

const namespace = "chessbeast"

// Metrics holds the annotation metrics on their own registry.
//
// Description:
//
//	Metrics implements the call observer of remote guards and the
//	observer of the exploration engine, so one value can be handed to
//	both. Each Metrics owns a registry; nothing is registered globally.
//
// Thread Safety: safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	remoteCalls    *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec
	remoteAttempts *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec

	nodes       *prometheus.CounterVec
	lines       *prometheus.CounterVec
	lineLatency *prometheus.HistogramVec

	toolCalls *prometheus.CounterVec
	comments  *prometheus.CounterVec
	tokens    prometheus.Counter
}

// NewMetrics creates metrics on a fresh registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Labels: service, outcome (ok, timeout, unavailable, rate_limited, ...)
		remoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Guarded remote calls by service and outcome",
		}, []string{"service", "outcome"}),

		remoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Guarded remote call latency including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"service"}),

		remoteAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "attempts",
			Help:      "Attempts per guarded call",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"service"}),

		// 0 closed, 1 half-open, 2 open.
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		}, []string{"service"}),

		nodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explore",
			Name:      "nodes_total",
			Help:      "Evaluated exploration nodes by tier and cache hit",
		}, []string{"tier", "cached"}),

		lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explore",
			Name:      "lines_total",
			Help:      "Explored lines by final state",
		}, []string{"state"}),

		lineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "explore",
			Name:      "line_duration_seconds",
			Help:      "Time to explore one line",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"state"}),

		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "actions_total",
			Help:      "Dispatched agent actions by name",
		}, []string{"action"}),

		comments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "narration",
			Name:      "comments_total",
			Help:      "Narration outcomes (attached, omitted)",
		}, []string{"outcome"}),

		tokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Language model tokens consumed",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCall records one guarded remote call.
func (m *Metrics) ObserveCall(service, outcome string, attempts int, elapsed time.Duration) {
	m.remoteCalls.WithLabelValues(service, outcome).Inc()
	m.remoteLatency.WithLabelValues(service).Observe(elapsed.Seconds())
	m.remoteAttempts.WithLabelValues(service).Observe(float64(attempts))
}

// ObserveBreaker records a breaker state change.
func (m *Metrics) ObserveBreaker(service string, state resilience.CircuitState) {
	v := 0.0
	switch state {
	case resilience.CircuitHalfOpen:
		v = 1
	case resilience.CircuitOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(service).Set(v)
}

// ObserveNode records one evaluated exploration node.
func (m *Metrics) ObserveNode(tier string, cached bool) {
	c := "false"
	if cached {
		c = "true"
	}
	m.nodes.WithLabelValues(tier, c).Inc()
}

// ObserveLine records a finished line.
func (m *Metrics) ObserveLine(state string, elapsed time.Duration) {
	m.lines.WithLabelValues(state).Inc()
	m.lineLatency.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveComment records a narration outcome.
func (m *Metrics) ObserveComment(outcome string) {
	m.comments.WithLabelValues(outcome).Inc()
}

// ObserveSession folds a finished session's counters into the metrics.
func (m *Metrics) ObserveSession(c session.Counters) {
	for name, n := range c.ToolCalls {
		m.toolCalls.WithLabelValues(name).Add(float64(n))
	}
	if c.Tokens > 0 {
		m.tokens.Add(float64(c.Tokens))
	}
}
