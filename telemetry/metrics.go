// Package telemetry exposes prometheus metrics for the netcode core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_rollbacks_total",
		Help: "Predicted entities rewound and resimulated after a mismatching correction",
	})
	RollbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsync_rollback_depth_ticks",
		Help:    "Ticks replayed per rollback",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
	StaleCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_stale_corrections_total",
		Help: "Confirmed snapshots dropped because they predate retained history",
	})
	OutOfOrderTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netsync_out_of_order_ticks_total",
		Help: "Inbound values dropped because their tick regressed",
	}, []string{"stream"})
	ReplayDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_replay_divergences_total",
		Help: "Replays aborted by the simulation and force-resynced",
	})
	PreSpawnMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_prespawn_matches_total",
		Help: "Server spawns merged into an existing local pre-spawn",
	})
	PreSpawnOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_prespawn_orphans_total",
		Help: "Local pre-spawns removed after the match timeout",
	})
	AmbiguousPreSpawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_prespawn_ambiguous_total",
		Help: "Pre-spawn hash collisions among unconfirmed local spawns",
	})
	InterpolatedDespawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_interpolated_despawns_total",
		Help: "Interpolated entities removed after draining their history",
	})
	DeferredUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_deferred_updates_total",
		Help: "Component updates held back by the bandwidth limiter",
	})
	BatchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netsync_batch_bytes",
		Help:    "Encoded replication batch size",
		Buckets: prometheus.ExponentialBuckets(64, 2, 10),
	})
	IntakeDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_intake_drops_total",
		Help: "Inbound packets dropped because the intake queue was full",
	})
)
