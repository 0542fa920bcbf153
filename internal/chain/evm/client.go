package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/cache"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/chain/ratelimit"
	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/metrics"
)

const (
	blockTimeCacheSize = 8192
	blockTimeCacheTTL  = 30 * time.Minute
)

// Client implements chain.Reader over a JSON-RPC endpoint. Every call goes
// through the chain's rate-limit guard.
type Client struct {
	chainID    int64
	chainLabel string
	eth        *ethclient.Client
	guard      *ratelimit.Guard
	blockTimes *cache.BlockTimes
	log        *slog.Logger
}

var _ chain.Reader = (*Client)(nil)

// Dial connects to rawURL and wraps the connection in a guarded client.
func Dial(ctx context.Context, chainID int64, rawURL string, guard *ratelimit.Guard, log *slog.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}
	return NewClient(chainID, ethclient.NewClient(rpcClient), guard, log), nil
}

func NewClient(chainID int64, eth *ethclient.Client, guard *ratelimit.Guard, log *slog.Logger) *Client {
	return &Client{
		chainID:    chainID,
		chainLabel: metrics.ChainLabel(chainID),
		eth:        eth,
		guard:      guard,
		blockTimes: cache.NewBlockTimes(blockTimeCacheSize, blockTimeCacheTTL),
		log:        log.With("chain_id", chainID),
	}
}

func (c *Client) ChainID() int64 {
	return c.chainID
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	return ratelimit.Do(ctx, c.guard, "eth_blockNumber", func(ctx context.Context) (uint64, error) {
		return c.eth.BlockNumber(ctx)
	})
}

func (c *Client) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if ts, ok := c.blockTimes.Get(blockNumber); ok {
		metrics.FetcherTimestampCacheHits.WithLabelValues(c.chainLabel).Inc()
		return ts, nil
	}
	metrics.FetcherTimestampCacheMisses.WithLabelValues(c.chainLabel).Inc()

	header, err := ratelimit.Do(ctx, c.guard, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	})
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Unix(int64(header.Time), 0).UTC()
	c.blockTimes.Put(blockNumber, ts)
	return ts, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return ratelimit.Do(ctx, c.guard, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, q)
	})
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	type txResult struct {
		tx      *types.Transaction
		pending bool
	}
	res, err := ratelimit.Do(ctx, c.guard, "eth_getTransactionByHash", func(ctx context.Context) (txResult, error) {
		tx, pending, err := c.eth.TransactionByHash(ctx, hash)
		return txResult{tx: tx, pending: pending}, err
	})
	return res.tx, res.pending, err
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return ratelimit.Do(ctx, c.guard, "eth_getTransactionReceipt", func(ctx context.Context) (*types.Receipt, error) {
		return c.eth.TransactionReceipt(ctx, hash)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return ratelimit.Do(ctx, c.guard, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, blockNumber)
	})
}

// SellPriceAt asks the token's bonding curve what selling amountWei tokens
// returned at blockNumber. Used with the block right before a sale to
// recover the executed price tier.
func SellPriceAt(ctx context.Context, r chain.Reader, token common.Address, amountWei *big.Int, blockNumber uint64) (*big.Int, error) {
	data, err := PackSellPriceCall(amountWei)
	if err != nil {
		return nil, err
	}
	out, err := r.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, err
	}
	return UnpackSellPriceResult(out)
}
