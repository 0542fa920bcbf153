package poolstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/evm"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/ratelimit"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// LogSource is the Sync scan the refresher consumes; the fetcher satisfies
// it.
type LogSource interface {
	SyncEvents(ctx context.Context, from, to uint64, pools []common.Address) ([]model.ChainLog, error)
}

// Result reports one pool-state pass.
type Result struct {
	// MetaEnriched counts GRADUATION records that learned their pool and
	// first reserve snapshot this pass.
	MetaEnriched int64
	Counts       model.StageCounts
}

// Refresher keeps the pool reserve snapshots current: it scans the window
// for Sync events on every registered pool, keeps the newest per pool, and
// writes the oriented ETH/token reserves. The same write fills the pool and
// reserve placeholders of canonical graduation metadata the first time a
// pool reports.
type Refresher struct {
	source     LogSource
	db         store.TxRunner
	pools      store.PoolRepository
	transfers  store.TransferRepository
	chainID    int64
	chainLabel string
	logger     *slog.Logger
}

func New(source LogSource, db store.TxRunner, pools store.PoolRepository, transfers store.TransferRepository, chainID int64, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		source:     source,
		db:         db,
		pools:      pools,
		transfers:  transfers,
		chainID:    chainID,
		chainLabel: metrics.ChainLabel(chainID),
		logger:     logger.With("component", "poolstate", "chain_id", chainID),
	}
}

// Process refreshes every registered pool from the window's Sync events.
// Pools that were quiet in the window are untouched; a pool that fails is
// logged and left at its previous snapshot.
func (r *Refresher) Process(ctx context.Context, from, to uint64) (*Result, error) {
	res := &Result{}

	pools, err := r.pools.ListByChain(ctx, r.chainID)
	if err != nil {
		return res, fmt.Errorf("list pools: %w", err)
	}
	if len(pools) == 0 {
		return res, nil
	}

	ctx, span := tracing.Tracer("poolstate").Start(ctx, "poolstate.process",
		otelTrace.WithAttributes(
			attribute.Int64("chain.id", r.chainID),
			attribute.Int("pools", len(pools)),
		),
	)
	defer span.End()

	addrs := make([]common.Address, len(pools))
	for i, p := range pools {
		addrs[i] = common.HexToAddress(p.PairAddress)
	}

	logs, err := r.source.SyncEvents(ctx, from, to, addrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("scan sync events: %w", err)
	}

	// Logs arrive in (block, log index) order, so the last write per pool
	// is the newest reserve state in the window.
	latest := make(map[string]model.ChainLog, len(pools))
	for _, lg := range logs {
		latest[model.NormalizeAddress(lg.Address)] = lg
	}

	for _, pool := range pools {
		lg, ok := latest[model.NormalizeAddress(pool.PairAddress)]
		if !ok {
			continue
		}
		if err := r.refreshPool(ctx, pool, lg, res); err != nil {
			if isFatal(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}
			r.logger.Warn("pool refresh failed",
				"token_id", pool.TokenID,
				"pool", pool.PairAddress,
				"error", err,
			)
			res.Counts.Add(model.RowFailed)
		}
	}

	if res.Counts.Total() > 0 {
		r.logger.Info("pool state pass complete",
			"refreshed", res.Counts.Processed,
			"meta_enriched", res.MetaEnriched,
			"failed", res.Counts.Failed,
		)
	}
	return res, nil
}

func (r *Refresher) refreshPool(ctx context.Context, pool model.DexPool, lg model.ChainLog, res *Result) error {
	sync, err := evm.ParseSync(evm.FromChainLog(lg))
	if err != nil {
		return err
	}
	reserveEth, reserveToken := orientReserves(sync, pool.QuoteIsToken0)

	var enriched int64
	err = r.db.RunInTx(ctx, func(tx *sql.Tx) error {
		if err := r.pools.UpdateReservesTx(ctx, tx, pool.TokenID, reserveEth.String(), reserveToken.String(), lg.BlockNumber); err != nil {
			return err
		}
		n, err := r.transfers.EnrichGraduationMetaTx(ctx, tx, pool.TokenID, pool.PairAddress, reserveEth.String(), reserveToken.String())
		if err != nil {
			return err
		}
		enriched = n
		return nil
	})
	if err != nil {
		return err
	}

	metrics.PoolReservesRefreshed.WithLabelValues(r.chainLabel).Inc()
	if enriched > 0 {
		r.logger.Info("graduation metadata enriched",
			"token_id", pool.TokenID,
			"pool", pool.PairAddress,
			"rows", enriched,
		)
		res.MetaEnriched += enriched
	}
	res.Counts.Add(model.RowProcessed)
	return nil
}

// orientReserves maps (reserve0, reserve1) onto (ETH, token) using the
// pool's token ordering.
func orientReserves(sync evm.Sync, quoteIsToken0 bool) (*big.Int, *big.Int) {
	if quoteIsToken0 {
		return sync.Reserve0, sync.Reserve1
	}
	return sync.Reserve1, sync.Reserve0
}

func isFatal(err error) bool {
	return errors.Is(err, ratelimit.ErrExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
