// Package metrics contains the prometheus metrics exported by the edge
// events SDK.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for probes, discovery and the edge events stream.
var (
	ProbeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "edgeevents_probe_latency_seconds",
			Help: "A histogram of latency samples measured by the network probe.",
			Buckets: []float64{
				.001, .0025, .005, .01, .015, .02, .03, .04, .05,
				.075, .1, .15, .2, .3, .5, 1, 2, 5},
		},
		[]string{"test_type"},
	)
	ProbeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_probe_errors_total",
			Help: "Number of network probe errors of each type.",
		},
		[]string{"test_type", "error"},
	)
	FindCloudlet = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_findcloudlet_total",
			Help: "Number of FindCloudlet operations by mode and outcome.",
		},
		[]string{"mode", "status"},
	)
	ServerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_server_events_total",
			Help: "Number of events received from the edge events stream.",
		},
		[]string{"event"},
	)
	ClientEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_client_events_total",
			Help: "Number of events sent on the edge events stream.",
		},
		[]string{"event", "status"},
	)
	Rediscovery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_rediscovery_total",
			Help: "Number of new cloudlet searches by trigger and outcome.",
		},
		[]string{"trigger", "result"},
	)
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeevents_connections_active",
			Help: "A gauge of edge events connections currently ready.",
		},
	)
	ConnectionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeevents_connection_starts_total",
			Help: "Number of edge events connection attempts by outcome.",
		},
		[]string{"status"},
	)
)
