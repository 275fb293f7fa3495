// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveHubs gauges resident session hubs in this replica.
	ActiveHubs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_hubs",
		Help: "Session hubs currently resident in this process",
	})

	// ConnectedClients gauges client sockets across all hubs.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected_clients",
		Help: "Client websocket connections across all hubs",
	})

	// EventsProcessed counts upstream agent events by type.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_events_total",
		Help: "Upstream agent events processed",
	}, []string{"type"})

	// MigrationsRun counts migration flows by kind and outcome.
	MigrationsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_migrations_total",
		Help: "Migration flows executed",
	}, []string{"kind", "outcome"})

	// SnapshotFailures counts failed idle snapshots.
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_snapshot_failures_total",
		Help: "Idle snapshot attempts that failed",
	})

	// LeaseLost counts owner-lease losses (split-brain self-terminations).
	LeaseLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_owner_lease_lost_total",
		Help: "Owner lease losses causing hub self-termination",
	})

	// ExpiryJobs counts expiry jobs handled.
	ExpiryJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_expiry_jobs_total",
		Help: "Session expiry jobs handled",
	}, []string{"outcome"})

	// OrphansSwept counts sessions reconciled by the orphan sweeper.
	OrphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_orphans_swept_total",
		Help: "Orphaned sessions paused by the sweeper",
	})
)
