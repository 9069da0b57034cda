// Package metrics provides Prometheus instrumentation for the Parley
// direct-messaging service. It exposes counters for directory listings,
// sends and emitted snapshots, a gauge for standing conversation watchers,
// and a histogram for snapshot materialization latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// DirectoryListsTotal counts user-directory listings, labeled by
	// outcome: "ok" or "failed".
	DirectoryListsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_directory_lists_total",
		Help: "Total number of user directory listings",
	}, []string{"outcome"})

	// MessagesSentTotal counts send attempts, labeled by outcome:
	// "ok", "rejected" (validation), or "failed" (store write).
	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_sent_total",
		Help: "Total number of message send attempts",
	}, []string{"outcome"})

	// SnapshotsTotal counts conversation snapshots, labeled by delivery
	// mode: "open", "refresh", "push", or "stale_dropped".
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_snapshots_total",
		Help: "Total number of conversation snapshots materialized",
	}, []string{"mode"})

	// ActiveWatchers tracks the current number of standing conversation
	// subscriptions.
	ActiveWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_watchers",
		Help: "Current number of standing conversation subscriptions",
	})

	// SnapshotLatency records push-mode snapshot materialization latency
	// in seconds, from change notification to emission.
	SnapshotLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_snapshot_latency_seconds",
		Help:    "Snapshot materialization latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		DirectoryListsTotal,
		MessagesSentTotal,
		SnapshotsTotal,
		ActiveWatchers,
		SnapshotLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
