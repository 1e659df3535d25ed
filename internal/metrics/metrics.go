// Package metrics exposes prometheus instrumentation for the collaboration
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "vellum"
	subsystem = "collab"
)

// Collector bundles the server's prometheus metrics.
type Collector struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	UpdatesPersisted  prometheus.Counter
	UpdatesRelayed    prometheus.Counter
	UpdateFailures    prometheus.Counter
	SnapshotsWritten  prometheus.Counter
	RoomsEvicted      prometheus.Counter
	PresenceSwept     prometheus.Counter
}

// NewCollector creates the metric set and registers it on the given
// registerer. A nil registerer leaves the metrics unregistered, which keeps
// tests free of global registry collisions.
func NewCollector(registerer prometheus.Registerer) *Collector {
	factory := promauto.With(registerer)
	return &Collector{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of websocket connections currently open.",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rooms_active",
			Help:      "Number of rooms currently resident in memory.",
		}),
		UpdatesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_persisted_total",
			Help:      "Document updates accepted and written to the update log.",
		}),
		UpdatesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "updates_relayed_total",
			Help:      "Update frames fanned out to peer sessions.",
		}),
		UpdateFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "update_failures_total",
			Help:      "Document updates rejected by validation or persistence.",
		}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshots_written_total",
			Help:      "Snapshot versions written by rooms and sweeps.",
		}),
		RoomsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rooms_evicted_total",
			Help:      "Idle rooms evicted from memory.",
		}),
		PresenceSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "presence_swept_total",
			Help:      "Presence records removed by staleness sweeps.",
		}),
	}
}
