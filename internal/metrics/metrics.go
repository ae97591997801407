package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and histograms for every pipeline surface. Queue metrics are
// partitioned by action type, RPC metrics by method.

var (
	// Round feed
	FeedRoundsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "feed",
		Name:      "rounds_fetched_total",
		Help:      "Total round metadata records fetched from the feed",
	})

	FeedPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "feed",
		Name:      "pages_fetched_total",
		Help:      "Total feed pages fetched",
	})

	FeedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "feed",
		Name:      "errors_total",
		Help:      "Total feed request errors (after retry exhaustion)",
	})

	FeedLiveRoundsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "feed",
		Name:      "live_rounds_seen_total",
		Help:      "Total live round announcements consumed from the stream",
	})

	// Solana RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total Solana RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for the rate limiter",
	})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evore",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Solana RPC call duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	// Transaction fetch + analysis
	EngineTxFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "transactions_fetched_total",
		Help:      "Total transactions fetched for round reconstruction",
	})

	EngineTxAnalyzed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "transactions_analyzed_total",
		Help:      "Total transactions decoded and analyzed",
	})

	EngineTxAnalysisFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "transaction_analysis_failures_total",
		Help:      "Total transactions whose envelope could not be analyzed",
	})

	EngineRoundsReconstructed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "rounds_reconstructed_total",
		Help:      "Total rounds reconstructed from stored transactions",
	})

	EngineReconstructLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "reconstruct_duration_seconds",
		Help:      "Round reconstruction duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	EngineSignatureDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "engine",
		Name:      "signature_dedup_hits_total",
		Help:      "Total signatures skipped because they were already stored",
	})

	// Reconciliation
	ReconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Total round reconciliations executed",
	})

	ReconcileInvalidRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "reconcile",
		Name:      "invalid_rounds_total",
		Help:      "Total rounds marked invalid by a reported vs parsed mismatch",
	})

	ReconcileUnmatchedLogged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "reconcile",
		Name:      "unmatched_logged_total",
		Help:      "Total logged deployments with no matching parsed deployment",
	})

	// Finalizer
	FinalizerRoundsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "finalizer",
		Name:      "rounds_finalized_total",
		Help:      "Total rounds finalized",
	})

	FinalizerBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "finalizer",
		Name:      "blocked_total",
		Help:      "Total finalize attempts refused, by reason",
	}, []string{"reason"})

	FinalizerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evore",
		Subsystem: "finalizer",
		Name:      "finalize_duration_seconds",
		Help:      "Round finalize transaction duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// Action queue
	ActionsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "enqueued_total",
		Help:      "Total actions enqueued by type",
	}, []string{"action"})

	ActionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "completed_total",
		Help:      "Total actions completed by type and status",
	}, []string{"action", "status"})

	ActionsDuplicateSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "duplicate_skipped_total",
		Help:      "Total enqueue attempts skipped by the single-flight guard",
	}, []string{"action"})

	ActionsStaleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "stale_recovered_total",
		Help:      "Total stuck processing actions reset by the staleness sweep",
	})

	ActionQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "depth",
		Help:      "Current pending actions by type",
	}, []string{"action"})

	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evore",
		Subsystem: "action_queue",
		Name:      "action_duration_seconds",
		Help:      "Action processing duration by type",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"action"})

	// Automation lookup queue
	AutomationItemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "automation",
		Name:      "items_enqueued_total",
		Help:      "Total deployments queued for automation account lookup",
	})

	AutomationItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "automation",
		Name:      "items_processed_total",
		Help:      "Total automation lookups processed by outcome",
	}, []string{"outcome"})

	AutomationCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "automation",
		Name:      "cache_hits_total",
		Help:      "Total automation account lookups served from cache",
	})

	AutomationCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "automation",
		Name:      "cache_misses_total",
		Help:      "Total automation account lookups that went to RPC",
	})

	AutomationLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "evore",
		Subsystem: "automation",
		Name:      "lookup_duration_seconds",
		Help:      "Automation account lookup duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Backfill
	BackfillRoundsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "backfill",
		Name:      "rounds_queued_total",
		Help:      "Total historical rounds queued by the backfill task",
	})

	BackfillPagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "backfill",
		Name:      "pages_fetched_total",
		Help:      "Total feed pages fetched during backfill",
	})

	BackfillPageJumps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "backfill",
		Name:      "page_jumps_total",
		Help:      "Total page jumps taken after a fully stored page",
	})

	BackfillRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "backfill",
		Name:      "runs_total",
		Help:      "Total backfill runs by terminal status",
	}, []string{"status"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evore",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evore",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evore",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evore",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evore",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
