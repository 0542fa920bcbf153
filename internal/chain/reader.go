package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the read-only RPC surface the sync stages consume. One Reader
// per chain; implementations route every call through that chain's
// rate-limit guard so callers never see a raw 429.
type Reader interface {
	// ChainID returns the EVM chain ID this reader is bound to.
	ChainID() int64

	// HeadBlock returns the latest block number on chain.
	HeadBlock(ctx context.Context) (uint64, error)

	// BlockTime returns the timestamp of a block, served from cache when
	// the block was already seen this run.
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)

	// FilterLogs runs one eth_getLogs query as given; chunking and address
	// batching are the caller's job.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// TransactionByHash returns the transaction and whether it is still
	// pending.
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)

	// TransactionReceipt returns the mined receipt for a transaction.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// CallContract executes a read-only call at the given block height.
	// A nil blockNumber means the latest block.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}
