package classifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/evm"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/ratelimit"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

// Result reports what one classification pass wrote.
type Result struct {
	// Inserted holds the rows that were actually written this pass;
	// re-scanned duplicates are absent.
	Inserted []model.LedgerEntry
	// Touched is the set of tx hashes with at least one inserted row, the
	// unit the downstream aggregate stage works in.
	Touched map[string]struct{}
	// Replayed is the set of tx hashes with at least one row absorbed by
	// the idempotency key. Such rows already exist, but whether their
	// balance deltas were ever applied is unknowable here (a crash after
	// insert, or a writer outside this worker), so downstream rebuilds
	// those balances from history instead of re-applying deltas.
	Replayed map[string]struct{}
	Counts   model.StageCounts
}

type txLookup struct {
	tx  *types.Transaction
	err error
}

// Classifier decides what each raw Transfer log of a tracked token meant
// (buy, sell, graduation mint, airdrop, other) and records it in the ledger.
type Classifier struct {
	reader     chain.Reader
	db         store.TxRunner
	transfers  store.TransferRepository
	chainLabel string
	logger     *slog.Logger
}

func New(reader chain.Reader, db store.TxRunner, transfers store.TransferRepository, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		reader:     reader,
		db:         db,
		transfers:  transfers,
		chainLabel: metrics.ChainLabel(reader.ChainID()),
		logger:     logger.With("component", "classifier", "chain_id", reader.ChainID()),
	}
}

// Process classifies and stores the token's Transfer logs, which must
// arrive in ascending (block, log index) order. Individual bad rows are
// counted and skipped; the error return is reserved for conditions that
// invalidate the rest of the scan step (context cancellation, RPC retry
// budget exhaustion).
func (c *Classifier) Process(ctx context.Context, token model.Token, logs []model.ChainLog) (*Result, error) {
	ctx, span := tracing.Tracer("classifier").Start(ctx, "classifier.process",
		otelTrace.WithAttributes(
			attribute.Int64("token.id", token.ID),
			attribute.Int("logs", len(logs)),
		),
	)
	defer span.End()

	res := &Result{
		Touched:  make(map[string]struct{}),
		Replayed: make(map[string]struct{}),
	}
	txCache := make(map[string]*txLookup)

	for i := range logs {
		outcome, err := c.processLog(ctx, token, logs[i], txCache, res)
		res.Counts.Add(outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("classify token %d: %w", token.ID, err)
		}
	}

	c.logger.Info("classification pass complete",
		"token_id", token.ID,
		"logs", len(logs),
		"inserted", res.Counts.Processed,
		"duplicates", res.Counts.Skipped,
		"failed", res.Counts.Failed,
	)
	return res, nil
}

func (c *Classifier) processLog(ctx context.Context, token model.Token, lg model.ChainLog, txCache map[string]*txLookup, res *Result) (model.RowOutcome, error) {
	transfer, err := evm.ParseTransfer(evm.FromChainLog(lg))
	if err != nil {
		metrics.ClassifierRowErrors.WithLabelValues(c.chainLabel).Inc()
		c.logger.Warn("malformed transfer log",
			"token_id", token.ID,
			"tx_hash", lg.TxHash,
			"log_index", lg.LogIndex,
			"error", err,
		)
		return model.RowFailed, nil
	}

	from := model.NormalizeAddress(transfer.From.Hex())
	to := model.NormalizeAddress(transfer.To.Hex())
	contract := model.NormalizeAddress(token.ContractAddress)
	creator := model.NormalizeAddress(token.CreatorAddress)

	// The transaction's ETH value only matters for transfers landing on the
	// contract (the BUY rule), so the lookup is deferred until then.
	var txValue *big.Int
	if to == contract && from != model.ZeroAddress {
		tx, err := c.transaction(ctx, txCache, lg.TxHash)
		if err != nil {
			if isFatal(err) {
				return model.RowFailed, err
			}
			metrics.ClassifierRowErrors.WithLabelValues(c.chainLabel).Inc()
			c.logger.Warn("transaction lookup failed",
				"token_id", token.ID,
				"tx_hash", lg.TxHash,
				"error", err,
			)
			return model.RowFailed, nil
		}
		txValue = tx.Value()
	}

	side := model.ClassifySide(model.TransferContext{
		From:       from,
		To:         to,
		Contract:   contract,
		Creator:    creator,
		TxValueWei: txValue,
	})

	entry := model.LedgerEntry{
		TokenID:     token.ID,
		ChainID:     lg.ChainID,
		BlockNumber: lg.BlockNumber,
		BlockTime:   lg.BlockTime,
		TxHash:      lg.TxHash,
		LogIndex:    lg.LogIndex,
		FromAddress: from,
		ToAddress:   to,
		AmountWei:   transfer.Value.String(),
		Side:        side,
		Source:      model.SourceBondingCurve,
	}
	// BUY/SELL shapes seen after graduation are exchange flow: the curve is
	// closed, so they get tagged for the trade processor to pick up.
	if token.Graduated && (side == model.SideBuy || side == model.SideSell) {
		entry.Source = model.SourceDEX
	}

	switch side {
	case model.SideBuy:
		eth := txValue.String()
		entry.AmountEthWei = &eth
		if price, ok := model.PriceEthPerToken(txValue, transfer.Value); ok {
			entry.PriceEthPerToken = &price
		}
	case model.SideSell:
		if err := c.recoverSellLeg(ctx, token, lg, transfer.Value, &entry); err != nil {
			return model.RowFailed, err
		}
	}

	var inserted bool
	err = c.db.RunInTx(ctx, func(tx *sql.Tx) error {
		var insErr error
		inserted, insErr = c.transfers.IngestTx(ctx, tx, &entry)
		return insErr
	})
	if err != nil {
		if isFatal(err) {
			return model.RowFailed, err
		}
		metrics.ClassifierRowErrors.WithLabelValues(c.chainLabel).Inc()
		c.logger.Error("ledger insert failed",
			"token_id", token.ID,
			"tx_hash", lg.TxHash,
			"log_index", lg.LogIndex,
			"error", err,
		)
		return model.RowFailed, nil
	}
	if !inserted {
		metrics.ClassifierDuplicatesSkipped.WithLabelValues(c.chainLabel).Inc()
		res.Replayed[entry.TxHash] = struct{}{}
		return model.RowSkipped, nil
	}

	metrics.ClassifierRowsWritten.WithLabelValues(c.chainLabel, string(side)).Inc()
	res.Inserted = append(res.Inserted, entry)
	res.Touched[entry.TxHash] = struct{}{}
	return model.RowProcessed, nil
}

// recoverSellLeg asks the bonding curve what this sale returned, at the
// block right before the sale executed. A reverting or empty call leaves
// the ETH leg null; only retry exhaustion stops the scan.
func (c *Classifier) recoverSellLeg(ctx context.Context, token model.Token, lg model.ChainLog, amount *big.Int, entry *model.LedgerEntry) error {
	if lg.BlockNumber <= 0 {
		return nil
	}
	ethWei, err := evm.SellPriceAt(ctx, c.reader, common.HexToAddress(token.ContractAddress), amount, uint64(lg.BlockNumber-1))
	if err != nil {
		if isFatal(err) {
			return err
		}
		c.logger.Debug("sell price lookup failed; storing without eth leg",
			"token_id", token.ID,
			"tx_hash", lg.TxHash,
			"block", lg.BlockNumber-1,
			"error", err,
		)
		return nil
	}
	eth := ethWei.String()
	entry.AmountEthWei = &eth
	if price, ok := model.PriceEthPerToken(ethWei, amount); ok {
		entry.PriceEthPerToken = &price
	}
	return nil
}

func (c *Classifier) transaction(ctx context.Context, cache map[string]*txLookup, txHash string) (*types.Transaction, error) {
	if hit, ok := cache[txHash]; ok {
		return hit.tx, hit.err
	}
	tx, _, err := c.reader.TransactionByHash(ctx, common.HexToHash(txHash))
	if err == nil && tx == nil {
		err = ethereum.NotFound
	}
	cache[txHash] = &txLookup{tx: tx, err: err}
	return tx, err
}

// isFatal picks out the errors that must stop the scan step instead of
// failing a single row: the run is being cancelled, or the RPC retry budget
// for this chain is spent and further calls would spend it again.
func isFatal(err error) bool {
	return errors.Is(err, ratelimit.ErrExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
