// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy data plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event label values for packet counters.
const (
	EventRead  = "read"
	EventWrite = "write"
)

// Drop reason label values recorded by the pipeline itself. Filters supply
// their own reason strings through the drop they return.
const (
	ReasonFilterError         = "filter_error"
	ReasonNoEndpoint          = "no_endpoint"
	ReasonSessionError        = "session_error"
	ReasonEndpointUnavailable = "endpoint_unavailable"
	ReasonQueueFull           = "queue_full"
)

// Result label values for config update counters.
const (
	ResultApplied  = "applied"
	ResultRejected = "rejected"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Packet pipeline metrics
	PacketsTotal       *prometheus.CounterVec
	PacketsDropped     *prometheus.CounterVec
	FilterErrors       *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	PacketSize         *prometheus.HistogramVec

	// Session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsExpired prometheus.Counter

	// Upstream metrics
	UpstreamWriteErrors *prometheus.CounterVec
	EndpointsShed       *prometheus.CounterVec

	// Config metrics
	ConfigUpdates    *prometheus.CounterVec
	ConfigGeneration prometheus.Gauge
	ActiveClusters   prometheus.Gauge
	ActiveEndpoints  prometheus.Gauge
}

// New creates a new Metrics instance registered against reg. If reg is nil the
// default registerer is used. Tests pass their own registry to avoid duplicate
// registration across instances.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "quilkin"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_total",
				Help:      "Total number of packets processed by the pipeline",
			},
			[]string{"event"},
		),
		PacketsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Total number of packets dropped, by reason",
			},
			[]string{"reason"},
		),
		FilterErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_errors_total",
				Help:      "Total number of errors returned by filters",
			},
			[]string{"filter"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of payload bytes forwarded",
			},
			[]string{"event"},
		),
		ProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "packet_processing_duration_seconds",
				Help:      "Time spent processing one packet through the filter chain",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
			[]string{"event"},
		),
		PacketSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "packet_size_bytes",
				Help:      "Size of received datagrams in bytes",
				Buckets:   []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 65535},
			},
			[]string{"event"},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions created",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of currently active sessions",
			},
		),
		SessionsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Total number of sessions removed by the idle sweep",
			},
		),
		UpstreamWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_write_errors_total",
				Help:      "Total number of failed writes to upstream endpoints",
			},
			[]string{"endpoint"},
		),
		EndpointsShed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "endpoints_shed_total",
				Help:      "Total number of times an endpoint breaker opened",
			},
			[]string{"endpoint"},
		),
		ConfigUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_updates_total",
				Help:      "Total number of config snapshot publish attempts, by result",
			},
			[]string{"result"},
		),
		ConfigGeneration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_generation",
				Help:      "Generation number of the active config snapshot",
			},
		),
		ActiveClusters: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_clusters",
				Help:      "Number of clusters in the active config snapshot",
			},
		),
		ActiveEndpoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_endpoints",
				Help:      "Number of endpoints in the active config snapshot",
			},
		),
	}
}
