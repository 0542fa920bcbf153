package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage counters and histograms, partitioned by chain.

var (
	// RPC guard
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and outcome",
	}, []string{"chain", "method", "status"})

	RPCRateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "rpc",
		Name:      "rate_limit_hits_total",
		Help:      "Total RPC responses classified as rate limiting",
	}, []string{"chain", "method"})

	RPCRetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "rpc",
		Name:      "retry_exhausted_total",
		Help:      "Total RPC operations abandoned after the retry budget",
	}, []string{"chain", "method"})

	RPCThrottleWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "rpc",
		Name:      "throttle_waits_total",
		Help:      "Total post-success pacing waits",
	}, []string{"chain"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainsync",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call duration including guard retries",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "method"})

	// Fetcher
	FetcherLogsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "fetcher",
		Name:      "logs_fetched_total",
		Help:      "Total event logs returned by range scans",
	}, []string{"chain"})

	FetcherChunksScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "fetcher",
		Name:      "chunks_scanned_total",
		Help:      "Total block-range chunks scanned",
	}, []string{"chain"})

	FetcherChunkHalvings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "fetcher",
		Name:      "chunk_halvings_total",
		Help:      "Total chunk splits after oversized responses",
	}, []string{"chain"})

	FetcherTimestampCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "fetcher",
		Name:      "timestamp_cache_hits_total",
		Help:      "Block timestamp lookups served from cache",
	}, []string{"chain"})

	FetcherTimestampCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "fetcher",
		Name:      "timestamp_cache_misses_total",
		Help:      "Block timestamp lookups sent to the RPC",
	}, []string{"chain"})

	// Classifier
	ClassifierRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "classifier",
		Name:      "rows_written_total",
		Help:      "Ledger rows inserted, by side",
	}, []string{"chain", "side"})

	ClassifierDuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "classifier",
		Name:      "duplicates_skipped_total",
		Help:      "Ledger inserts dropped by the idempotency key",
	}, []string{"chain"})

	ClassifierRowErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "classifier",
		Name:      "row_errors_total",
		Help:      "Transfer logs that could not be classified",
	}, []string{"chain"})

	// DEX trade processor
	DexTradesMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "dexproc",
		Name:      "trades_migrated_total",
		Help:      "Exchange-sourced ledger rows promoted into trades",
	}, []string{"chain", "side"})

	DexTradesRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "dexproc",
		Name:      "trades_recovered_total",
		Help:      "Unclassified pool rows recovered via receipt decoding",
	}, []string{"chain", "side"})

	DexRowsUnrecoverable = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "dexproc",
		Name:      "rows_unrecoverable_total",
		Help:      "Pool rows left in place after receipt decoding found no swap",
	}, []string{"chain"})

	// Graduation consolidation
	GraduationsConsolidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "graduation",
		Name:      "consolidated_total",
		Help:      "Graduation transactions rewritten into canonical form",
	}, []string{"chain"})

	GraduationsLegacyConverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "graduation",
		Name:      "legacy_converted_total",
		Help:      "Single-row legacy graduations upgraded in place",
	}, []string{"chain"})

	// Aggregates
	BalancesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "aggregate",
		Name:      "balances_upserted_total",
		Help:      "Holder balance rows written",
	}, []string{"chain"})

	BalancesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "aggregate",
		Name:      "balances_deleted_total",
		Help:      "Holder balance rows removed at or below zero",
	}, []string{"chain"})

	BalancesRebuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "aggregate",
		Name:      "balances_rebuilt_total",
		Help:      "Holder balances recomputed from full ledger history",
	}, []string{"chain"})

	CandlesRecomputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "aggregate",
		Name:      "candles_recomputed_total",
		Help:      "Chart buckets recomputed from trade history",
	}, []string{"chain", "interval"})

	// Pool state
	PoolReservesRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "poolstate",
		Name:      "reserves_refreshed_total",
		Help:      "Pair reserve snapshots updated from sync events",
	}, []string{"chain"})

	// Run orchestration
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "runs_total",
		Help:      "Worker invocations by outcome",
	}, []string{"status"})

	RunsSkippedLockHeld = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "skipped_lock_held_total",
		Help:      "Invocations that exited because another instance held the lock",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Whole-run duration across all chains",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	ChainRunErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "chain_errors_total",
		Help:      "Chain passes that ended in error",
	}, []string{"chain"})

	ChainSyncedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "synced_block",
		Help:      "Highest block applied across token watermarks",
	}, []string{"chain"})

	ChainHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "head_block",
		Help:      "Chain head observed at the start of the pass",
	}, []string{"chain"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainsync",
		Subsystem: "run",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage duration within a chain pass",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"chain", "stage"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Conservation checks
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainsync",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Ledger-versus-balance audits by outcome",
	}, []string{"status"})

	ReconciliationMismatches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainsync",
		Subsystem: "reconciliation",
		Name:      "mismatched_holders",
		Help:      "Holders whose stored balance disagrees with ledger replay",
	}, []string{"chain"})
)

// ChainLabel renders a numeric chain ID for metric labels.
func ChainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}
