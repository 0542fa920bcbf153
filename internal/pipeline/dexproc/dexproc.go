package dexproc

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

// Result reports one trade-processing pass.
type Result struct {
	// Migrated holds every row moved into the trades table this pass,
	// reclassified and recovered alike; the aggregate stage recomputes
	// their candle buckets.
	Migrated []model.TradeEntry
	Counts   model.StageCounts
}

// Processor moves exchange activity out of the ledger: BUY/SELL rows already
// tagged as DEX flow get a trader attached, and unclassified rows touching
// the pool are decoded from their receipt's Swap event. Both run only for
// graduated tokens with a known pool.
type Processor struct {
	reader     chain.Reader
	db         store.TxRunner
	transfers  store.TransferRepository
	trades     store.TradeRepository
	chainLabel string
	logger     *slog.Logger
}

func New(reader chain.Reader, db store.TxRunner, transfers store.TransferRepository, trades store.TradeRepository, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		reader:     reader,
		db:         db,
		transfers:  transfers,
		trades:     trades,
		chainLabel: metrics.ChainLabel(reader.ChainID()),
		logger:     logger.With("component", "dexproc", "chain_id", reader.ChainID()),
	}
}

// Process runs both phases for one token. Returns early with an empty
// result when the token has no pool or is not graduated; those rows are
// bonding-curve operations and stay in the ledger.
func (p *Processor) Process(ctx context.Context, token model.Token, pool *model.DexPool) (*Result, error) {
	res := &Result{}
	if pool == nil || !token.Graduated {
		return res, nil
	}

	ctx, span := tracing.Tracer("dexproc").Start(ctx, "dexproc.process",
		otelTrace.WithAttributes(
			attribute.Int64("token.id", token.ID),
			attribute.String("pool", pool.PairAddress),
		),
	)
	defer span.End()

	lookups := newLookupCache(p.reader)

	if err := p.migrateTagged(ctx, token, lookups, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if err := p.recoverSwaps(ctx, token, pool, lookups, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	if res.Counts.Total() > 0 {
		p.logger.Info("trade pass complete",
			"token_id", token.ID,
			"migrated", res.Counts.Processed,
			"skipped", res.Counts.Skipped,
			"failed", res.Counts.Failed,
		)
	}
	return res, nil
}

// migrateTagged promotes BUY/SELL rows recorded against the exchange into
// the trades table, attaching the trader from the owning transaction.
func (p *Processor) migrateTagged(ctx context.Context, token model.Token, lookups *lookupCache, res *Result) error {
	rows, err := p.transfers.ListDexTagged(ctx, token.ID)
	if err != nil {
		return fmt.Errorf("list dex-tagged rows: %w", err)
	}

	for i := range rows {
		row := rows[i]
		tx, err := lookups.transaction(ctx, row.TxHash)
		if err != nil {
			if isFatal(err) {
				return err
			}
			p.rowFailed(res, "transaction lookup failed", token.ID, row.TxHash, err)
			continue
		}

		trader, ok := p.traderFor(row.Side, tx)
		if !ok {
			p.logger.Warn("trade without recoverable trader",
				"token_id", token.ID,
				"tx_hash", row.TxHash,
				"side", row.Side,
			)
			res.Counts.Add(model.RowSkipped)
			continue
		}

		trade := tradeFromLedger(row, trader)
		if err := p.moveRow(ctx, row.ID, &trade); err != nil {
			if isFatal(err) {
				return err
			}
			p.rowFailed(res, "trade migration failed", token.ID, row.TxHash, err)
			continue
		}

		metrics.DexTradesMigrated.WithLabelValues(p.chainLabel, string(trade.Side)).Inc()
		res.Migrated = append(res.Migrated, trade)
		res.Counts.Add(model.RowProcessed)
	}
	return nil
}

// recoverSwaps inspects OTHER rows whose counterparty is the pool: if the
// receipt carries a Swap from that pool, the row was a swap leg and gets
// promoted with side, price and trader recovered from the event. Rows with
// no Swap in the receipt are left untouched.
func (p *Processor) recoverSwaps(ctx context.Context, token model.Token, pool *model.DexPool, lookups *lookupCache, res *Result) error {
	rows, err := p.transfers.ListPoolCounterparty(ctx, token.ID, pool.PairAddress)
	if err != nil {
		return fmt.Errorf("list pool counterparty rows: %w", err)
	}

	poolAddr := common.HexToAddress(pool.PairAddress)
	for i := range rows {
		row := rows[i]
		receipt, err := lookups.receipt(ctx, row.TxHash)
		if err != nil {
			if isFatal(err) {
				return err
			}
			p.rowFailed(res, "receipt lookup failed", token.ID, row.TxHash, err)
			continue
		}

		swapLog := findPoolSwap(receipt, poolAddr)
		if swapLog == nil {
			// Plain transfer that happens to touch the pool address.
			metrics.DexRowsUnrecoverable.WithLabelValues(p.chainLabel).Inc()
			res.Counts.Add(model.RowSkipped)
			continue
		}

		swap, err := evm.ParseSwap(*swapLog)
		if err != nil {
			p.rowFailed(res, "swap decode failed", token.ID, row.TxHash, err)
			continue
		}

		side, ethLeg, tokenLeg, ok := mapSwapLegs(swap, pool.QuoteIsToken0)
		if !ok {
			p.logger.Warn("ambiguous swap legs; row left in ledger",
				"token_id", token.ID,
				"tx_hash", row.TxHash,
				"log_index", row.LogIndex,
			)
			res.Counts.Add(model.RowFailed)
			continue
		}

		tx, err := lookups.transaction(ctx, row.TxHash)
		if err != nil {
			if isFatal(err) {
				return err
			}
			p.rowFailed(res, "transaction lookup failed", token.ID, row.TxHash, err)
			continue
		}
		trader, ok := p.traderFor(side, tx)
		if !ok {
			res.Counts.Add(model.RowSkipped)
			continue
		}

		trade := tradeFromLedger(row, trader)
		trade.Side = side
		eth := ethLeg.String()
		trade.AmountEthWei = &eth
		if price, priced := model.PriceEthPerToken(ethLeg, tokenLeg); priced {
			trade.PriceEthPerToken = &price
		}

		if err := p.moveRow(ctx, row.ID, &trade); err != nil {
			if isFatal(err) {
				return err
			}
			p.rowFailed(res, "trade recovery failed", token.ID, row.TxHash, err)
			continue
		}

		metrics.DexTradesRecovered.WithLabelValues(p.chainLabel, string(side)).Inc()
		res.Migrated = append(res.Migrated, trade)
		res.Counts.Add(model.RowProcessed)
	}
	return nil
}

// moveRow inserts the trade and removes its ledger source in one
// transaction, so the (chain, tx, log index) key lives in exactly one table
// at any commit point. A conflicting trade insert still deletes the source:
// that is the crash-recovery path for a previously interrupted move.
func (p *Processor) moveRow(ctx context.Context, ledgerID int64, trade *model.TradeEntry) error {
	return p.db.RunInTx(ctx, func(tx *sql.Tx) error {
		if _, err := p.trades.InsertTx(ctx, tx, trade); err != nil {
			return err
		}
		return p.transfers.DeleteByIDTx(ctx, tx, ledgerID)
	})
}

// traderFor resolves who traded: the sender for buys, the recipient for
// sells. A sell inside a contract-creation transaction has no recipient and
// cannot be attributed.
func (p *Processor) traderFor(side model.Side, tx *types.Transaction) (string, bool) {
	switch side {
	case model.SideBuy:
		sender, err := evm.Sender(p.reader.ChainID(), tx)
		if err != nil {
			return "", false
		}
		return model.NormalizeAddress(sender.Hex()), true
	case model.SideSell:
		to := tx.To()
		if to == nil {
			return "", false
		}
		return model.NormalizeAddress(to.Hex()), true
	default:
		return "", false
	}
}

func (p *Processor) rowFailed(res *Result, msg string, tokenID int64, txHash string, err error) {
	p.logger.Warn(msg, "token_id", tokenID, "tx_hash", txHash, "error", err)
	res.Counts.Add(model.RowFailed)
}

func tradeFromLedger(row model.LedgerEntry, trader string) model.TradeEntry {
	return model.TradeEntry{
		TokenID:          row.TokenID,
		ChainID:          row.ChainID,
		BlockNumber:      row.BlockNumber,
		BlockTime:        row.BlockTime,
		TxHash:           row.TxHash,
		LogIndex:         row.LogIndex,
		FromAddress:      row.FromAddress,
		ToAddress:        row.ToAddress,
		TraderAddress:    trader,
		AmountWei:        row.AmountWei,
		AmountEthWei:     row.AmountEthWei,
		PriceEthPerToken: row.PriceEthPerToken,
		Side:             row.Side,
		Source:           model.SourceDEX,
	}
}

func findPoolSwap(receipt *types.Receipt, pool common.Address) *types.Log {
	for _, lg := range receipt.Logs {
		if lg.Address == pool && len(lg.Topics) > 0 && lg.Topics[0] == evm.SwapTopic {
			return lg
		}
	}
	return nil
}

// mapSwapLegs orients the four swap amounts using the pool's token order
// and names the trade: quote in + token out is a buy, token in + quote out
// is a sell. Anything else (zero legs, bidirectional flow) is ambiguous.
func mapSwapLegs(swap evm.Swap, quoteIsToken0 bool) (side model.Side, ethLeg, tokenLeg *big.Int, ok bool) {
	ethIn, tokenIn := swap.Amount0In, swap.Amount1In
	ethOut, tokenOut := swap.Amount0Out, swap.Amount1Out
	if !quoteIsToken0 {
		ethIn, tokenIn = swap.Amount1In, swap.Amount0In
		ethOut, tokenOut = swap.Amount1Out, swap.Amount0Out
	}

	buys := sign(ethIn) > 0 && sign(tokenOut) > 0 && sign(tokenIn) == 0
	sells := sign(tokenIn) > 0 && sign(ethOut) > 0 && sign(ethIn) == 0
	switch {
	case buys && !sells:
		return model.SideBuy, ethIn, tokenOut, true
	case sells && !buys:
		return model.SideSell, ethOut, tokenIn, true
	default:
		return "", nil, nil, false
	}
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}

type lookupCache struct {
	reader   chain.Reader
	txs      map[string]txResult
	receipts map[string]receiptResult
}

type txResult struct {
	tx  *types.Transaction
	err error
}

type receiptResult struct {
	receipt *types.Receipt
	err     error
}

func newLookupCache(reader chain.Reader) *lookupCache {
	return &lookupCache{
		reader:   reader,
		txs:      make(map[string]txResult),
		receipts: make(map[string]receiptResult),
	}
}

func (l *lookupCache) transaction(ctx context.Context, txHash string) (*types.Transaction, error) {
	if hit, ok := l.txs[txHash]; ok {
		return hit.tx, hit.err
	}
	tx, _, err := l.reader.TransactionByHash(ctx, common.HexToHash(txHash))
	if err == nil && tx == nil {
		err = ethereum.NotFound
	}
	l.txs[txHash] = txResult{tx: tx, err: err}
	return tx, err
}

func (l *lookupCache) receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	if hit, ok := l.receipts[txHash]; ok {
		return hit.receipt, hit.err
	}
	receipt, err := l.reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err == nil && receipt == nil {
		err = ethereum.NotFound
	}
	l.receipts[txHash] = receiptResult{receipt: receipt, err: err}
	return receipt, err
}

func isFatal(err error) bool {
	return errors.Is(err, ratelimit.ErrExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
