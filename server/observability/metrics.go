package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScheduledFires tracks schedule fire outcomes.
	ScheduledFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_scheduled_fires_total",
		Help: "Total number of schedule fires by outcome",
	}, []string{"outcome"}) // dispatched, dispatch_failed, skipped_busy, workflow_missing, schedule_missing

	// SchedulesArmed tracks the number of live armed timers.
	SchedulesArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_schedules_armed",
		Help: "Number of currently armed schedule timers",
	})

	// ReconcileDuration tracks the duration of a reconciliation pass.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_schedule_reconcile_duration_seconds",
		Help:    "Duration of a schedule reconciliation pass",
		Buckets: prometheus.DefBuckets,
	})

	// ReconcileSkipped counts reconcile ticks skipped because a pass was
	// still running.
	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_schedule_reconcile_skipped_total",
		Help: "Reconcile ticks skipped due to an in-progress pass",
	})

	// WebhookTriggers tracks trigger pipeline outcomes by rejection reason.
	WebhookTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_webhook_triggers_total",
		Help: "Total webhook trigger attempts by outcome",
	}, []string{"outcome"}) // accepted, not_found, disabled, bad_secret, ip_blocked, bad_signature, rate_limited, execution_failed

	// APIRateLimited counts requests shed by the per-IP limiter ahead of the
	// security gate.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_api_rate_limited_total",
		Help: "Requests rejected by the per-IP API limiter",
	}, []string{"endpoint"})

	// VersionOperations tracks snapshot engine operations.
	VersionOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_version_operations_total",
		Help: "Total version engine operations",
	}, []string{"op"}) // create, restore, compare, tag, stats, export

	// WSClients tracks connected websocket listeners.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_ws_clients",
		Help: "Connected websocket clients",
	})
)
