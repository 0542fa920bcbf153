// Package orchestrator drives one worker invocation end to end: take the
// singleton advisory lock, walk every configured chain through the scan
// stages in order, commit watermarks, and report the outcome. Chains run
// concurrently and fail independently; one chain's bad RPC day never blocks
// the others.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/alert"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/aggregate"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/classifier"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/dexproc"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/graduation"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/poolstate"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/reconciliation"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// Store is the slice of the database the orchestrator touches directly: the
// singleton run lock plus the transaction for the end-of-pass watermark
// commit.
type Store interface {
	AcquireRunLock(ctx context.Context) (release func(), ok bool, err error)
	store.TxRunner
}

// LogSource provides the chain's scan window and the raw event logs in it.
type LogSource interface {
	Window(ctx context.Context, lastSynced, maxSpan uint64) (from, to uint64, ok bool, err error)
	Transfers(ctx context.Context, from, to uint64, tokens []common.Address) ([]model.ChainLog, error)
}

// The stage contracts mirror the concrete pipeline types; the orchestrator
// holds interfaces so a chain pass can be exercised without a database or an
// RPC endpoint behind it.
type (
	Classifier interface {
		Process(ctx context.Context, token model.Token, logs []model.ChainLog) (*classifier.Result, error)
	}
	TradeMigrator interface {
		Process(ctx context.Context, token model.Token, pool *model.DexPool) (*dexproc.Result, error)
	}
	Consolidator interface {
		Process(ctx context.Context, token model.Token) (*graduation.Result, error)
	}
	Aggregator interface {
		Process(ctx context.Context, token model.Token, work []aggregate.Work) (*aggregate.Result, error)
	}
	PoolRefresher interface {
		Process(ctx context.Context, from, to uint64) (*poolstate.Result, error)
	}
	ConservationChecker interface {
		Run(ctx context.Context, chainID int64) (*reconciliation.RunResult, error)
	}
)

// Chain bundles one chain's wired stages. MaxWindow caps how many blocks a
// single pass may scan (0 means uncapped); PoolState may be nil on chains
// without DEX coverage.
type Chain struct {
	ChainID    int64
	MaxWindow  uint64
	Source     LogSource
	Classifier Classifier
	Dex        TradeMigrator
	Graduation Consolidator
	Aggregate  Aggregator
	PoolState  PoolRefresher
}

// Orchestrator owns the run lifecycle. checker and alerter are optional;
// when checker is set it runs after every fully healthy pass.
type Orchestrator struct {
	db      Store
	tokens  store.TokenRepository
	pools   store.PoolRepository
	chains  []Chain
	checker ConservationChecker
	alerter alert.Alerter
	logger  *slog.Logger

	// prevRunFailed arms the recovery alert. Single-run (cron) deployments
	// lose it between invocations, which only costs a duplicate alert.
	prevRunFailed bool
}

func New(
	db Store,
	tokens store.TokenRepository,
	pools store.PoolRepository,
	chains []Chain,
	checker ConservationChecker,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:      db,
		tokens:  tokens,
		pools:   pools,
		chains:  chains,
		checker: checker,
		alerter: alerter,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Run executes one worker invocation. When another instance holds the run
// lock the invocation exits cleanly with a nil summary. The error return is
// reserved for the run not executing at all: lock machinery failure or a
// canceled context; per-chain failures land in the summary instead.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunSummary, error) {
	release, ok, err := o.db.AcquireRunLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		metrics.RunsSkippedLockHeld.Inc()
		o.logger.Info("another instance holds the run lock, exiting")
		return nil, nil
	}
	defer release()

	summary := model.NewRunSummary(time.Now().UTC())
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.run",
		otelTrace.WithAttributes(attribute.String("run.id", summary.RunID.String())),
	)
	defer span.End()

	o.logger.Info("run started", "run_id", summary.RunID, "chains", len(o.chains))

	summary.Chains = make([]*model.ChainSummary, len(o.chains))
	g, gctx := errgroup.WithContext(ctx)
	for i := range o.chains {
		ch := o.chains[i]
		cs := model.NewChainSummary(ch.ChainID)
		summary.Chains[i] = cs
		g.Go(func() error {
			started := time.Now()
			defer func() {
				cs.Duration = time.Since(started)
				if r := recover(); r != nil {
					cs.Err = fmt.Errorf("chain %d panicked: %v\n%s", ch.ChainID, r, debug.Stack())
					metrics.ChainRunErrors.WithLabelValues(metrics.ChainLabel(ch.ChainID)).Inc()
				}
			}()
			if err := o.runChain(gctx, ch, cs); err != nil {
				cs.Err = err
				metrics.ChainRunErrors.WithLabelValues(metrics.ChainLabel(ch.ChainID)).Inc()
				if isFatal(err) {
					// Shutdown in progress; stop sibling chains too.
					return err
				}
				o.logger.Error("chain pass failed",
					"run_id", summary.RunID,
					"chain_id", ch.ChainID,
					"error", err,
				)
			}
			return nil
		})
	}
	waitErr := g.Wait()
	summary.FinishedAt = time.Now().UTC()
	metrics.RunDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if waitErr != nil {
		metrics.RunsTotal.WithLabelValues("aborted").Inc()
		return summary, waitErr
	}

	if summary.Healthy() && o.checker != nil {
		for _, ch := range o.chains {
			if _, err := o.checker.Run(ctx, ch.ChainID); err != nil {
				o.logger.Error("conservation check failed", "chain_id", ch.ChainID, "error", err)
			}
		}
	}

	o.reportOutcome(ctx, summary)
	return summary, nil
}

func (o *Orchestrator) reportOutcome(ctx context.Context, summary *model.RunSummary) {
	if summary.Healthy() {
		metrics.RunsTotal.WithLabelValues("ok").Inc()
		if o.prevRunFailed {
			o.prevRunFailed = false
			o.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Chain:   "all",
				Title:   "Sync recovered",
				Message: "All chain passes completed cleanly again",
				Fields:  map[string]string{"run_id": summary.RunID.String()},
			})
		}
	} else {
		metrics.RunsTotal.WithLabelValues("degraded").Inc()
		o.prevRunFailed = true
		for _, cs := range summary.Chains {
			if cs.Err == nil {
				continue
			}
			o.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeRunFailed,
				Chain:   metrics.ChainLabel(cs.ChainID),
				Title:   "Chain pass failed",
				Message: cs.Err.Error(),
				Fields:  map[string]string{"run_id": summary.RunID.String()},
			})
		}
	}

	o.logger.Info("run finished",
		"run_id", summary.RunID,
		"healthy", summary.Healthy(),
		"chains", len(summary.Chains),
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String(),
	)
}

func (o *Orchestrator) sendAlert(ctx context.Context, a alert.Alert) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Send(ctx, a); err != nil {
		o.logger.Error("failed to send alert", "type", a.Type, "error", err)
	}
}

// runChain executes the stage sequence for one chain: window, fetch,
// classify, trade migration, graduation consolidation, aggregates, pool
// state, watermarks. When the watermarks have caught up with the head there
// is no window, but the database-only sweeps (migration, consolidation)
// still run so backfilled history keeps healing.
func (o *Orchestrator) runChain(ctx context.Context, ch Chain, cs *model.ChainSummary) error {
	logger := o.logger.With("chain_id", ch.ChainID)
	chainLabel := metrics.ChainLabel(ch.ChainID)
	stageTime := make(map[string]time.Duration)
	defer func() {
		for stage, d := range stageTime {
			metrics.StageDuration.WithLabelValues(chainLabel, stage).Observe(d.Seconds())
		}
	}()

	tokens, err := o.tokens.ListByChain(ctx, ch.ChainID)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	if len(tokens) == 0 {
		logger.Info("no tracked tokens, skipping chain")
		return nil
	}
	cs.TokensSynced = len(tokens)

	watermark := tokens[0].LastSyncedBlock
	for i := range tokens[1:] {
		if tokens[i+1].LastSyncedBlock < watermark {
			watermark = tokens[i+1].LastSyncedBlock
		}
	}

	from, to, scan, err := ch.Source.Window(ctx, uint64(watermark), ch.MaxWindow)
	if err != nil {
		return fmt.Errorf("compute window: %w", err)
	}

	var logsByToken map[int64][]model.ChainLog
	if scan {
		cs.FromBlock = int64(from)
		cs.ToBlock = int64(to)
		started := time.Now()
		logs, err := ch.Source.Transfers(ctx, from, to, tokenAddresses(tokens))
		stageTime["fetch"] += time.Since(started)
		if err != nil {
			return fmt.Errorf("fetch transfer logs [%d, %d]: %w", from, to, err)
		}
		logsByToken = groupByToken(tokens, logs)
		logger.Info("window scanned", "from", from, "to", to, "logs", len(logs))
	} else {
		logger.Info("watermarks caught up with head, running sweeps only")
	}

	for i := range tokens {
		token := tokens[i]
		var work []aggregate.Work

		if logs := logsByToken[token.ID]; len(logs) > 0 {
			started := time.Now()
			res, err := ch.Classifier.Process(ctx, token, logs)
			stageTime["classify"] += time.Since(started)
			if err != nil {
				return fmt.Errorf("classify token %d: %w", token.ID, err)
			}
			cs.Record("classify", res.Counts)
			for hash := range res.Touched {
				work = append(work, aggregate.Work{TxHash: hash, Balances: true})
			}
			// Hashes the idempotency key absorbed may or may not have had
			// their deltas applied (a crash between insert and aggregate,
			// or rows written outside this worker), so they go through the
			// history rebuild instead.
			for hash := range res.Replayed {
				work = append(work, aggregate.Work{TxHash: hash, Recompute: true})
			}
		}

		pool, err := o.pools.FindByToken(ctx, token.ID)
		if err != nil {
			return fmt.Errorf("find pool for token %d: %w", token.ID, err)
		}
		started := time.Now()
		dexRes, err := ch.Dex.Process(ctx, token, pool)
		stageTime["dexproc"] += time.Since(started)
		if err != nil {
			return fmt.Errorf("migrate trades for token %d: %w", token.ID, err)
		}
		cs.Record("dexproc", dexRes.Counts)
		for j := range dexRes.Migrated {
			work = append(work, aggregate.Work{TxHash: dexRes.Migrated[j].TxHash})
		}

		started = time.Now()
		gradRes, err := ch.Graduation.Process(ctx, token)
		stageTime["graduation"] += time.Since(started)
		if err != nil {
			return fmt.Errorf("consolidate graduations for token %d: %w", token.ID, err)
		}
		cs.Record("graduation", gradRes.Counts)
		// Consolidation and legacy expansion rewrite a transaction's rows in
		// place. The balances those rows produced under their old shape (if
		// any were applied) no longer match the ledger, so the holders are
		// rebuilt from the rewritten history rather than fed deltas.
		for _, hash := range gradRes.ConsolidatedTxs {
			work = append(work, aggregate.Work{TxHash: hash, Recompute: true})
		}
		for _, hash := range gradRes.LegacyTxs {
			work = append(work, aggregate.Work{TxHash: hash, Recompute: true})
		}

		if len(work) > 0 {
			started = time.Now()
			aggRes, err := ch.Aggregate.Process(ctx, token, work)
			stageTime["aggregate"] += time.Since(started)
			if err != nil {
				return fmt.Errorf("update aggregates for token %d: %w", token.ID, err)
			}
			cs.Record("aggregate", aggRes.Counts)
		}
	}

	if scan && ch.PoolState != nil {
		started := time.Now()
		poolRes, err := ch.PoolState.Process(ctx, from, to)
		stageTime["poolstate"] += time.Since(started)
		if err != nil {
			return fmt.Errorf("refresh pool state [%d, %d]: %w", from, to, err)
		}
		cs.Record("poolstate", poolRes.Counts)
	}

	if scan {
		err := o.db.RunInTx(ctx, func(tx *sql.Tx) error {
			for i := range tokens {
				if err := o.tokens.AdvanceWatermarkTx(ctx, tx, tokens[i].ID, int64(to)); err != nil {
					return fmt.Errorf("advance watermark for token %d: %w", tokens[i].ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		metrics.ChainSyncedBlock.WithLabelValues(chainLabel).Set(float64(to))
	}
	return nil
}

func tokenAddresses(tokens []model.Token) []common.Address {
	addrs := make([]common.Address, 0, len(tokens))
	for i := range tokens {
		addrs = append(addrs, common.HexToAddress(tokens[i].ContractAddress))
	}
	return addrs
}

// groupByToken buckets fetched logs by emitting contract. Logs stay in
// ascending (block, log index) order within each bucket because the fetcher
// returns them globally sorted.
func groupByToken(tokens []model.Token, logs []model.ChainLog) map[int64][]model.ChainLog {
	byAddr := make(map[string]int64, len(tokens))
	for i := range tokens {
		byAddr[model.NormalizeAddress(tokens[i].ContractAddress)] = tokens[i].ID
	}
	grouped := make(map[int64][]model.ChainLog)
	for i := range logs {
		id, ok := byAddr[model.NormalizeAddress(logs[i].Address)]
		if !ok {
			continue
		}
		grouped[id] = append(grouped[id], logs[i])
	}
	return grouped
}

func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
