package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncPagesProcessed counts pages committed by the batch orchestrator.
	SyncPagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiersync_pages_processed_total",
			Help: "Subscriber pages committed per campaign tier group",
		},
		[]string{"campaign", "tier"},
	)

	// TierMoves counts subscriber group moves applied during sync.
	TierMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiersync_tier_moves_total",
			Help: "Subscriber tier transitions applied on the remote platform",
		},
		[]string{"from", "to"},
	)

	// SyncItemErrors counts per-item failures pushed to the error queue.
	SyncItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiersync_item_errors_total",
			Help: "Per-subscriber failures queued during reconcile and sync",
		},
		[]string{"scope"},
	)

	// ReconcilePassDuration tracks the latency of each reconcile pass.
	ReconcilePassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tiersync_reconcile_pass_duration_seconds",
			Help: "Duration of reconcile passes in seconds",
			Buckets: []float64{
				0.05, // 50ms
				0.1,  // 100ms
				0.25, // 250ms
				0.5,  // 500ms
				1.0,  // 1s
				2.5,  // 2.5s
				5.0,  // 5s
				10.0, // 10s
				30.0, // 30s
				60.0, // 1m
			},
		},
		[]string{"pass", "status"}, // success or failure
	)

	// SyncRunDuration tracks the latency of whole orchestrator runs.
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tiersync_run_duration_seconds",
			Help: "Duration of batch sync runs in seconds",
			Buckets: []float64{
				1.0,   // 1s
				5.0,   // 5s
				15.0,  // 15s
				30.0,  // 30s
				60.0,  // 1m
				120.0, // 2m
				300.0, // 5m
				600.0, // 10m
			},
		},
		[]string{"status"}, // completed, stopped or failed
	)

	// TransitionSubscribers counts subscribers moved by bulk transitions.
	TransitionSubscribers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiersync_transition_subscribers_total",
			Help: "Subscribers transferred by campaign transitions",
		},
		[]string{"status"}, // transferred or skipped
	)
)

// RecordReconcilePass records the duration of one reconcile pass.
func RecordReconcilePass(pass, status string, seconds float64) {
	ReconcilePassDuration.WithLabelValues(pass, status).Observe(seconds)
}

// RecordSyncRun records the duration of one orchestrator run.
func RecordSyncRun(status string, seconds float64) {
	SyncRunDuration.WithLabelValues(status).Observe(seconds)
}
