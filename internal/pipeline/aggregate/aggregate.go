package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// Work names one transaction to fold into the aggregates.
//
// At most one balance mode applies per transaction:
//   - Balances: freshly inserted rows whose deltas have never been applied.
//   - Recompute: rows that already existed when scanned (idempotency
//     replays) or were rewritten in place (graduation consolidation, legacy
//     expansion). Whether their deltas were ever applied is unknowable, so
//     the holders they touch are rebuilt from full history, which lands on
//     the same value no matter how often it runs.
//   - Neither: rewrites with no balance effect, like ledger-to-trades
//     migrations that move history around without changing who holds what.
//
// When duplicate work items disagree, Recompute wins over Balances.
type Work struct {
	TxHash    string
	Balances  bool
	Recompute bool
}

// Result reports one aggregate pass. Counts is per transaction; the bucket
// fields track the candle side separately since several transactions can
// share one bucket.
type Result struct {
	HoldersTouched    int
	HoldersRebuilt    int
	BalancesPruned    int64
	BucketsRecomputed int
	BucketsFailed     int
	Counts            model.StageCounts
}

// Updater folds finished transactions into the two read models: current
// holder balances and 4h OHLCV candles. Balance deltas are netted per holder
// and applied in one database transaction per tx hash, so re-applying a hash
// is the only way to double count; any hash that might have been applied
// before must arrive as Recompute work, which overwrites from history
// instead of adding deltas (see Work).
type Updater struct {
	db         store.TxRunner
	transfers  store.TransferRepository
	trades     store.TradeRepository
	balances   store.BalanceRepository
	candles    store.CandleRepository
	prices     store.EthPriceRepository
	chainLabel string
	logger     *slog.Logger
}

func New(
	db store.TxRunner,
	transfers store.TransferRepository,
	trades store.TradeRepository,
	balances store.BalanceRepository,
	candles store.CandleRepository,
	prices store.EthPriceRepository,
	chainID int64,
	logger *slog.Logger,
) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		db:         db,
		transfers:  transfers,
		trades:     trades,
		balances:   balances,
		candles:    candles,
		prices:     prices,
		chainLabel: metrics.ChainLabel(chainID),
		logger:     logger.With("component", "aggregate", "chain_id", chainID),
	}
}

// Process applies every work item for one token: balance work first, then
// one recompute per touched candle bucket. Fresh transactions apply netted
// per-holder deltas; Recompute transactions mark their holders for a rebuild
// from full history, run once per token after every delta has landed so a
// holder touched both ways ends at the history sum. A balance error aborts
// the pass — the caller must not advance the resume point past a transaction
// whose deltas were dropped, and the rerun repairs state through replay.
// Candle errors degrade per bucket instead; the next touch of the same
// bucket repairs the chart.
func (u *Updater) Process(ctx context.Context, token model.Token, work []Work) (*Result, error) {
	res := &Result{}
	if len(work) == 0 {
		return res, nil
	}

	ctx, span := tracing.Tracer("aggregate").Start(ctx, "aggregate.process",
		otelTrace.WithAttributes(
			attribute.Int64("token.id", token.ID),
			attribute.Int("work.count", len(work)),
		),
	)
	defer span.End()

	hashes, wantBalances, wantRecompute := dedupe(work)
	buckets := make(map[time.Time]struct{})
	rebuild := make(map[string]struct{})

	for _, hash := range hashes {
		ledgerRows, tradeRows, err := u.rowsFor(ctx, token.ID, hash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		if len(ledgerRows)+len(tradeRows) == 0 {
			res.Counts.Add(model.RowSkipped)
			continue
		}

		switch {
		case wantRecompute[hash]:
			markHolders(rebuild, ledgerRows, tradeRows)
		case wantBalances[hash]:
			holders, pruned, err := u.applyBalances(ctx, token, ledgerRows, tradeRows)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, fmt.Errorf("balance update tx %s: %w", hash, err)
			}
			res.HoldersTouched += holders
			res.BalancesPruned += pruned
		}

		collectBuckets(buckets, ledgerRows, tradeRows)
		res.Counts.Add(model.RowProcessed)
	}

	if len(rebuild) > 0 {
		rebuilt, pruned, err := u.rebuildBalances(ctx, token, rebuild)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("rebuild balances: %w", err)
		}
		res.HoldersRebuilt = rebuilt
		res.BalancesPruned += pruned
	}

	if err := u.recomputeBuckets(ctx, token, buckets, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	if res.Counts.Total() > 0 {
		u.logger.Info("aggregate pass complete",
			"token_id", token.ID,
			"txs", res.Counts.Processed,
			"holders", res.HoldersTouched,
			"rebuilt", res.HoldersRebuilt,
			"buckets", res.BucketsRecomputed,
		)
	}
	return res, nil
}

// dedupe collapses duplicate hashes, keeping first-seen order. Stages report
// the same hash independently, so the stronger requirement wins: a balance
// request beats none, and a recompute beats a balance request — once any
// stage says the hash may have been applied before, deltas are off the
// table for it.
func dedupe(work []Work) ([]string, map[string]bool, map[string]bool) {
	order := make([]string, 0, len(work))
	balances := make(map[string]bool, len(work))
	recompute := make(map[string]bool, len(work))
	for _, w := range work {
		if _, seen := balances[w.TxHash]; !seen {
			order = append(order, w.TxHash)
		}
		balances[w.TxHash] = balances[w.TxHash] || w.Balances
		recompute[w.TxHash] = recompute[w.TxHash] || w.Recompute
	}
	return order, balances, recompute
}

func (u *Updater) rowsFor(ctx context.Context, tokenID int64, hash string) ([]model.LedgerEntry, []model.TradeEntry, error) {
	ledgerRows, err := u.transfers.ListByTxHash(ctx, tokenID, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("list ledger rows: %w", err)
	}
	tradeRows, err := u.trades.ListByTxHash(ctx, tokenID, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("list trade rows: %w", err)
	}
	return ledgerRows, tradeRows, nil
}

// applyBalances nets one transaction's rows into per-holder deltas and
// applies them atomically, pruning holders that end at or below zero. The
// zero address is the mint/burn counterparty and never holds a balance.
func (u *Updater) applyBalances(ctx context.Context, token model.Token, ledgerRows []model.LedgerEntry, tradeRows []model.TradeEntry) (int, int64, error) {
	deltas := make(map[string]*big.Int)
	credit := func(holder, amount string, negate bool) error {
		if holder == model.ZeroAddress || holder == "" {
			return nil
		}
		v, ok := model.ParseAmount(amount)
		if !ok {
			return fmt.Errorf("malformed amount %q", amount)
		}
		if negate {
			v = new(big.Int).Neg(v)
		}
		cur, found := deltas[holder]
		if !found {
			cur = new(big.Int)
			deltas[holder] = cur
		}
		cur.Add(cur, v)
		return nil
	}

	for _, e := range ledgerRows {
		if err := credit(e.ToAddress, e.AmountWei, false); err != nil {
			return 0, 0, err
		}
		if err := credit(e.FromAddress, e.AmountWei, true); err != nil {
			return 0, 0, err
		}
	}
	for _, t := range tradeRows {
		if err := credit(t.ToAddress, t.AmountWei, false); err != nil {
			return 0, 0, err
		}
		if err := credit(t.FromAddress, t.AmountWei, true); err != nil {
			return 0, 0, err
		}
	}

	holders := make([]string, 0, len(deltas))
	for h := range deltas {
		holders = append(holders, h)
	}
	sort.Strings(holders)

	applied := 0
	var pruned int64
	err := u.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, h := range holders {
			if deltas[h].Sign() == 0 {
				continue
			}
			if err := u.balances.ApplyDeltaTx(ctx, tx, token.ID, token.ChainID, h, deltas[h].String()); err != nil {
				return err
			}
			applied++
		}
		n, err := u.balances.PruneNonPositiveTx(ctx, tx, token.ID, holders)
		if err != nil {
			return err
		}
		pruned = n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	metrics.BalancesUpserted.WithLabelValues(u.chainLabel).Add(float64(applied))
	metrics.BalancesDeleted.WithLabelValues(u.chainLabel).Add(float64(pruned))
	return applied, pruned, nil
}

// markHolders collects every address a transaction's rows touch, minus the
// mint/burn counterparty, into the rebuild set.
func markHolders(rebuild map[string]struct{}, ledgerRows []model.LedgerEntry, tradeRows []model.TradeEntry) {
	mark := func(holder string) {
		if holder == model.ZeroAddress || holder == "" {
			return
		}
		rebuild[holder] = struct{}{}
	}
	for _, e := range ledgerRows {
		mark(e.FromAddress)
		mark(e.ToAddress)
	}
	for _, t := range tradeRows {
		mark(t.FromAddress)
		mark(t.ToAddress)
	}
}

// rebuildBalances replays the token's whole ledger and trade history and
// overwrites the named holders' stored balances with the result. A holder
// absent from the replay sums netted out to zero; writing the zero and
// pruning it drops the stale row. One history replay covers every rebuilt
// holder, so the cost is two aggregate queries per token however many
// transactions were replayed.
func (u *Updater) rebuildBalances(ctx context.Context, token model.Token, rebuild map[string]struct{}) (int, int64, error) {
	ledgerSums, err := u.transfers.SumNetDeltas(ctx, token.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("sum ledger deltas: %w", err)
	}
	tradeSums, err := u.trades.SumNetDeltas(ctx, token.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("sum trade deltas: %w", err)
	}

	holders := make([]string, 0, len(rebuild))
	for h := range rebuild {
		holders = append(holders, h)
	}
	sort.Strings(holders)

	totals := make(map[string]*big.Int, len(holders))
	for _, h := range holders {
		total := new(big.Int)
		for _, sums := range []map[string]string{ledgerSums, tradeSums} {
			amount, ok := sums[h]
			if !ok {
				continue
			}
			v, ok := model.ParseAmount(amount)
			if !ok {
				return 0, 0, fmt.Errorf("malformed replay delta %q for holder %s", amount, h)
			}
			total.Add(total, v)
		}
		totals[h] = total
	}

	var pruned int64
	err = u.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, h := range holders {
			if err := u.balances.SetBalanceTx(ctx, tx, token.ID, token.ChainID, h, totals[h].String()); err != nil {
				return err
			}
		}
		n, err := u.balances.PruneNonPositiveTx(ctx, tx, token.ID, holders)
		if err != nil {
			return err
		}
		pruned = n
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	metrics.BalancesRebuilt.WithLabelValues(u.chainLabel).Add(float64(len(holders)))
	metrics.BalancesDeleted.WithLabelValues(u.chainLabel).Add(float64(pruned))
	return len(holders), pruned, nil
}

// collectBuckets records the 4h bucket of every trading-eligible row: a BUY
// or SELL with a positive price and a positive ETH leg. Everything else
// (airdrops, plain transfers, graduation summary rows) never charts.
func collectBuckets(buckets map[time.Time]struct{}, ledgerRows []model.LedgerEntry, tradeRows []model.TradeEntry) {
	mark := func(side model.Side, price *float64, eth *string, at time.Time) {
		if side != model.SideBuy && side != model.SideSell {
			return
		}
		if price == nil || *price <= 0 || eth == nil {
			return
		}
		v, ok := model.ParseAmount(*eth)
		if !ok || v.Sign() <= 0 {
			return
		}
		if start, ok := model.BucketStart(model.Interval4h, at); ok {
			buckets[start] = struct{}{}
		}
	}
	for _, e := range ledgerRows {
		mark(e.Side, e.PriceEthPerToken, e.AmountEthWei, e.BlockTime)
	}
	for _, t := range tradeRows {
		mark(t.Side, t.PriceEthPerToken, t.AmountEthWei, t.BlockTime)
	}
}

// recomputeBuckets rebuilds each touched bucket from scratch, oldest first.
// The ETH/USD quote is resolved per bucket at its start time so repeated
// recomputes of an old bucket price identically; a missing or failing quote
// degrades to NULL USD legs rather than blocking the chart.
func (u *Updater) recomputeBuckets(ctx context.Context, token model.Token, buckets map[time.Time]struct{}, res *Result) error {
	if len(buckets) == 0 {
		return nil
	}
	ordered := make([]time.Time, 0, len(buckets))
	for b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	for _, bucket := range ordered {
		ethUSD, err := u.prices.PriceAt(ctx, token.ChainID, bucket)
		if err != nil {
			if isFatal(err) {
				return err
			}
			u.logger.Warn("eth price lookup failed",
				"token_id", token.ID, "bucket", bucket, "error", err)
			ethUSD = nil
		}

		err = u.db.RunInTx(ctx, func(tx *sql.Tx) error {
			return u.candles.RecomputeBucketTx(ctx, tx, token.ID, token.ChainID, model.Interval4h, bucket, ethUSD)
		})
		if err != nil {
			if isFatal(err) {
				return err
			}
			u.logger.Warn("candle recompute failed",
				"token_id", token.ID, "bucket", bucket, "error", err)
			res.BucketsFailed++
			continue
		}

		metrics.CandlesRecomputed.WithLabelValues(u.chainLabel, string(model.Interval4h)).Inc()
		res.BucketsRecomputed++
	}
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
