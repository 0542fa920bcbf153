package graduation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// Result reports one consolidation pass.
type Result struct {
	// ConsolidatedTxs holds graduation transactions rewritten into canonical
	// form this pass, and LegacyTxs old single-row graduations expanded this
	// pass. Both rewrites change the rows a transaction contributes to
	// history, so whatever balances its earlier shape produced (applied in a
	// prior pass, under the old scheme, or never) are stale: downstream
	// rebuilds the affected holders from the rewritten history and
	// recomputes the candle buckets.
	ConsolidatedTxs []string
	LegacyTxs       []string
	Counts          model.StageCounts
}

// Consolidator rewrites graduation transactions into the fixed four-row
// canonical form: a GRADUATION summary carrying aggregate totals and
// metadata, a BUY attributed to the wallet that crossed the curve cap, and
// two LP placeholder rows. It also expands graduations recorded under the
// old single-row scheme. Every rewrite is one database transaction, so a
// group is either fully canonical or untouched.
type Consolidator struct {
	db         store.TxRunner
	tokens     store.TokenRepository
	transfers  store.TransferRepository
	chainLabel string
	logger     *slog.Logger
}

func New(db store.TxRunner, tokens store.TokenRepository, transfers store.TransferRepository, chainID int64, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		db:         db,
		tokens:     tokens,
		transfers:  transfers,
		chainLabel: metrics.ChainLabel(chainID),
		logger:     logger.With("component", "graduation", "chain_id", chainID),
	}
}

// errNotCandidate aborts a rewrite transaction when the group read under the
// transaction no longer (or never did) qualify. Rolling back a read-only
// transaction is harmless; the caller counts the group as skipped.
var errNotCandidate = errors.New("group is not a graduation candidate")

// Process scans the token's multi-row transactions for unconsolidated
// graduations and rewrites each into canonical form, then expands legacy
// single-row graduations. Groups that fail are logged and left in place for
// the next run; only context cancellation stops the pass.
func (c *Consolidator) Process(ctx context.Context, token model.Token) (*Result, error) {
	res := &Result{}

	ctx, span := tracing.Tracer("graduation").Start(ctx, "graduation.process",
		otelTrace.WithAttributes(attribute.Int64("token.id", token.ID)),
	)
	defer span.End()

	if err := c.consolidateCandidates(ctx, token, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if err := c.convertLegacy(ctx, token, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	if len(res.ConsolidatedTxs) > 0 || len(res.LegacyTxs) > 0 {
		c.logger.Info("graduation pass complete",
			"token_id", token.ID,
			"consolidated", len(res.ConsolidatedTxs),
			"legacy_converted", len(res.LegacyTxs),
			"failed", res.Counts.Failed,
		)
	}
	return res, nil
}

func (c *Consolidator) consolidateCandidates(ctx context.Context, token model.Token, res *Result) error {
	hashes, err := c.transfers.ListConsolidationCandidates(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("list consolidation candidates: %w", err)
	}

	for _, hash := range hashes {
		err := c.db.RunInTx(ctx, func(tx *sql.Tx) error {
			group, err := c.transfers.ListByTxHashTx(ctx, tx, token.ID, hash)
			if err != nil {
				return err
			}
			if !model.IsGraduationCandidate(group) {
				return errNotCandidate
			}
			return c.rewriteTx(ctx, tx, token, hash, group)
		})
		switch {
		case err == nil:
			metrics.GraduationsConsolidated.WithLabelValues(c.chainLabel).Inc()
			res.ConsolidatedTxs = append(res.ConsolidatedTxs, hash)
			res.Counts.Add(model.RowProcessed)
		case errors.Is(err, errNotCandidate):
			// Multi-row transaction without a graduation signal (batched
			// airdrop) or an already-canonical group.
			res.Counts.Add(model.RowSkipped)
		case isFatal(err):
			return err
		default:
			c.groupFailed(res, "graduation consolidation failed", token.ID, hash, err)
		}
	}
	return nil
}

func (c *Consolidator) convertLegacy(ctx context.Context, token model.Token, res *Result) error {
	rows, err := c.transfers.ListLegacyGraduations(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("list legacy graduations: %w", err)
	}

	for i := range rows {
		hash := rows[i].TxHash
		err := c.db.RunInTx(ctx, func(tx *sql.Tx) error {
			group, err := c.transfers.ListByTxHashTx(ctx, tx, token.ID, hash)
			if err != nil {
				return err
			}
			// Re-check under the transaction: sibling rows would make this
			// a candidate group, not a legacy conversion.
			if !model.IsLegacyGraduation(group) {
				return errNotCandidate
			}
			return c.rewriteTx(ctx, tx, token, hash, group)
		})
		switch {
		case err == nil:
			metrics.GraduationsLegacyConverted.WithLabelValues(c.chainLabel).Inc()
			res.LegacyTxs = append(res.LegacyTxs, hash)
			res.Counts.Add(model.RowProcessed)
		case errors.Is(err, errNotCandidate):
			res.Counts.Add(model.RowSkipped)
		case isFatal(err):
			return err
		default:
			c.groupFailed(res, "legacy graduation conversion failed", token.ID, hash, err)
		}
	}
	return nil
}

// rewriteTx replaces a group with its canonical rows and marks the token
// graduated, all under the caller's transaction.
func (c *Consolidator) rewriteTx(ctx context.Context, tx *sql.Tx, token model.Token, hash string, group []model.LedgerEntry) error {
	canonical, err := model.BuildGraduationRows(group, token.ContractAddress)
	if err != nil {
		return err
	}
	if _, err := c.transfers.DeleteByTxHashTx(ctx, tx, token.ID, hash); err != nil {
		return err
	}
	for i := range canonical {
		if _, err := c.transfers.InsertTx(ctx, tx, &canonical[i]); err != nil {
			return err
		}
	}
	return c.tokens.MarkGraduatedTx(ctx, tx, token.ID)
}

func (c *Consolidator) groupFailed(res *Result, msg string, tokenID int64, txHash string, err error) {
	c.logger.Warn(msg, "token_id", tokenID, "tx_hash", txHash, "error", err)
	res.Counts.Add(model.RowFailed)
}

func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
