// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package metrics exports call engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sprucehealth/twiari/model"
)

// Metrics holds the Prometheus collectors for one engine
type Metrics struct {
	registry *prometheus.Registry

	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  prometheus.Histogram
	VerbsTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	RoutingMisses prometheus.Counter
}

// New creates and registers every collector under namespace
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "twiari"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently running a script",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by final status",
		}, []string{"status"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		VerbsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verbs_total",
			Help:      "Dispatched verbs by name",
		}, []string{"verb"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_fetch_duration_seconds",
			Help:      "Script fetch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method", "result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_cache_lookups_total",
			Help:      "Media cache lookups by kind and result",
		}, []string{"kind", "result"}),
		RoutingMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_misses_total",
			Help:      "Inbound calls with no route for the dialed number",
		}),
	}

	m.registry.MustRegister(
		m.CallsActive,
		m.CallsTotal,
		m.CallDuration,
		m.VerbsTotal,
		m.FetchDuration,
		m.CacheLookups,
		m.RoutingMisses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CallStarted() {
	m.CallsActive.Inc()
}

func (m *Metrics) CallEnded(status model.CallStatus, d time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(string(status)).Inc()
	m.CallDuration.Observe(d.Seconds())
}

func (m *Metrics) VerbDispatched(verb string) {
	m.VerbsTotal.WithLabelValues(verb).Inc()
}

func (m *Metrics) ScriptFetched(method string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchDuration.WithLabelValues(method, result).Observe(d.Seconds())
}

func (m *Metrics) RoutingMiss() {
	m.RoutingMisses.Inc()
}

// CacheLookup records a media cache hit or miss
func (m *Metrics) CacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}
