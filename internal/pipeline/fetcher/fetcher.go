package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/evm"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/pipeline/retry"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/tracing"
)

const (
	defaultLogChunk     = 2000
	defaultDexLogChunk  = 500
	defaultAddressBatch = 50
)

// Params bound one chain's range scans. DexLogChunk is deliberately smaller
// than LogChunk: pair contracts emit far denser event streams than launchpad
// tokens, and providers size their response caps by result count.
type Params struct {
	LogChunk     uint64
	DexLogChunk  uint64
	AddressBatch int
	ReorgCushion uint64
}

func (p Params) withDefaults() Params {
	if p.LogChunk == 0 {
		p.LogChunk = defaultLogChunk
	}
	if p.DexLogChunk == 0 {
		p.DexLogChunk = defaultDexLogChunk
	}
	if p.AddressBatch <= 0 {
		p.AddressBatch = defaultAddressBatch
	}
	return p
}

// Fetcher turns watermark positions into bounded block windows and pulls
// event logs for them in provider-friendly pieces: capped block chunks,
// capped address batches, and halved chunks when a provider rejects a
// response as too large.
type Fetcher struct {
	reader     chain.Reader
	params     Params
	chainLabel string
	logger     *slog.Logger
}

func New(reader chain.Reader, params Params, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		reader:     reader,
		params:     params.withDefaults(),
		chainLabel: metrics.ChainLabel(reader.ChainID()),
		logger:     logger.With("component", "fetcher", "chain_id", reader.ChainID()),
	}
}

// Window computes the next scan range: one block past the watermark, up to
// the chain head minus the reorg cushion, capped at maxSpan blocks. ok is
// false when the watermark has already caught up.
func (f *Fetcher) Window(ctx context.Context, lastSynced, maxSpan uint64) (from, to uint64, ok bool, err error) {
	head, err := f.reader.HeadBlock(ctx)
	if err != nil {
		return 0, 0, false, fmt.Errorf("head block: %w", err)
	}
	metrics.ChainHeadBlock.WithLabelValues(f.chainLabel).Set(float64(head))

	if head <= f.params.ReorgCushion {
		return 0, 0, false, nil
	}
	top := head - f.params.ReorgCushion
	from = lastSynced + 1
	if from > top {
		return 0, 0, false, nil
	}
	to = top
	if maxSpan > 0 && to-from+1 > maxSpan {
		to = from + maxSpan - 1
	}
	return from, to, true, nil
}

// Transfers returns every ERC-20 Transfer log emitted by the given token
// contracts in [from, to], ascending by (block, log index).
func (f *Fetcher) Transfers(ctx context.Context, from, to uint64, tokens []common.Address) ([]model.ChainLog, error) {
	return f.scan(ctx, "transfers", from, to, f.params.LogChunk, tokens, [][]common.Hash{{evm.TransferTopic}})
}

// SyncEvents returns pair Sync logs for the given pool contracts in
// [from, to], ascending by (block, log index). Uses the smaller DEX chunk.
func (f *Fetcher) SyncEvents(ctx context.Context, from, to uint64, pools []common.Address) ([]model.ChainLog, error) {
	return f.scan(ctx, "sync_events", from, to, f.params.DexLogChunk, pools, [][]common.Hash{{evm.SyncTopic}})
}

func (f *Fetcher) scan(ctx context.Context, kind string, from, to uint64, chunk uint64, addresses []common.Address, topics [][]common.Hash) ([]model.ChainLog, error) {
	if len(addresses) == 0 || from > to {
		return nil, nil
	}

	ctx, span := tracing.Tracer("fetcher").Start(ctx, "fetcher.scan",
		otelTrace.WithAttributes(
			attribute.String("scan.kind", kind),
			attribute.Int64("scan.from", int64(from)),
			attribute.Int64("scan.to", int64(to)),
			attribute.Int("scan.addresses", len(addresses)),
		),
	)
	defer span.End()

	var raw []types.Log
	for _, batch := range addressBatches(addresses, f.params.AddressBatch) {
		logs, err := f.scanBatch(ctx, from, to, chunk, batch, topics)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scan %s [%d, %d]: %w", kind, from, to, err)
		}
		raw = append(raw, logs...)
	}

	entries, err := f.resolve(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan %s [%d, %d]: %w", kind, from, to, err)
	}

	metrics.FetcherLogsFetched.WithLabelValues(f.chainLabel).Add(float64(len(entries)))
	f.logger.Debug("scan complete",
		"kind", kind,
		"from", from,
		"to", to,
		"addresses", len(addresses),
		"logs", len(entries),
	)
	return entries, nil
}

// scanBatch walks [from, to] in chunks for one address batch. When the
// provider rejects a chunk as oversized the span is halved and the same
// start is retried; a single-block chunk that is still oversized is a
// terminal failure.
func (f *Fetcher) scanBatch(ctx context.Context, from, to uint64, chunk uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	var out []types.Log
	span := chunk
	start := from
	for start <= to {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + span - 1
		if end > to {
			end = to
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: addresses,
			Topics:    topics,
		}
		logs, err := f.reader.FilterLogs(ctx, query)
		if err != nil {
			if retry.ResponseTooLarge(err) && span > 1 {
				span = span / 2
				metrics.FetcherChunkHalvings.WithLabelValues(f.chainLabel).Inc()
				f.logger.Warn("chunk too large; halving",
					"from", start,
					"to", end,
					"next_span", span,
					"error", err,
				)
				continue
			}
			return nil, fmt.Errorf("filter logs [%d, %d]: %w", start, end, err)
		}

		metrics.FetcherChunksScanned.WithLabelValues(f.chainLabel).Inc()
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			out = append(out, lg)
		}
		start = end + 1
	}
	return out, nil
}

// resolve attaches block timestamps and normalizes the provider types into
// model.ChainLog, ascending by (block, log index). Timestamps are fetched
// once per distinct block; the reader caches across calls.
func (f *Fetcher) resolve(ctx context.Context, raw []types.Log) ([]model.ChainLog, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	times := make(map[uint64]time.Time)
	for _, lg := range raw {
		if _, ok := times[lg.BlockNumber]; ok {
			continue
		}
		ts, err := f.reader.BlockTime(ctx, lg.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("block time %d: %w", lg.BlockNumber, err)
		}
		times[lg.BlockNumber] = ts
	}

	chainID := f.reader.ChainID()
	entries := make([]model.ChainLog, 0, len(raw))
	for _, lg := range raw {
		topics := make([]string, len(lg.Topics))
		for i, t := range lg.Topics {
			topics[i] = t.Hex()
		}
		data := make([]byte, len(lg.Data))
		copy(data, lg.Data)
		entries = append(entries, model.ChainLog{
			ChainID:     chainID,
			BlockNumber: int64(lg.BlockNumber),
			BlockTime:   times[lg.BlockNumber],
			TxHash:      lg.TxHash.Hex(),
			LogIndex:    int64(lg.Index),
			Address:     model.NormalizeAddress(lg.Address.Hex()),
			Topics:      topics,
			Data:        data,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber < entries[j].BlockNumber
		}
		return entries[i].LogIndex < entries[j].LogIndex
	})
	return entries, nil
}

func addressBatches(addresses []common.Address, size int) [][]common.Address {
	if size <= 0 || len(addresses) <= size {
		return [][]common.Address{addresses}
	}
	var batches [][]common.Address
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		batches = append(batches, addresses[start:end])
	}
	return batches
}
