package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Minimal ABI fragments: the ERC-20 Transfer event plus the launchpad
// token's bonding-curve quote function, and the canonical V2 pair events.
const (
	tokenABIJSON = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
		{"inputs":[{"name":"amount","type":"uint256"}],"name":"getSellPrice","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	pairABIJSON = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Swap","type":"event"},
		{"anonymous":false,"inputs":[{"indexed":false,"name":"reserve0","type":"uint112"},{"indexed":false,"name":"reserve1","type":"uint112"}],"name":"Sync","type":"event"}
	]`
)

var (
	tokenABI = mustParseABI(tokenABIJSON)
	pairABI  = mustParseABI(pairABIJSON)

	TransferTopic = tokenABI.Events["Transfer"].ID
	SwapTopic     = pairABI.Events["Swap"].ID
	SyncTopic     = pairABI.Events["Sync"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: parse abi: %v", err))
	}
	return parsed
}

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfer decodes an ERC-20 Transfer log. Tokens that emit the event
// with non-indexed parties are rejected as malformed.
func ParseTransfer(lg types.Log) (Transfer, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return Transfer{}, fmt.Errorf("evm: log %s[%d] is not an indexed Transfer", lg.TxHash, lg.Index)
	}
	var data struct {
		Value *big.Int
	}
	if err := tokenABI.UnpackIntoInterface(&data, "Transfer", lg.Data); err != nil {
		return Transfer{}, fmt.Errorf("evm: unpack Transfer %s[%d]: %w", lg.TxHash, lg.Index, err)
	}
	return Transfer{
		From:  common.BytesToAddress(lg.Topics[1].Bytes()),
		To:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Value: data.Value,
	}, nil
}

// Swap is a decoded V2 pair Swap log. Exactly one In and one Out leg is
// non-zero for a plain swap; which index is the quote side comes from the
// pool's recorded token ordering.
type Swap struct {
	Sender     common.Address
	To         common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

func ParseSwap(lg types.Log) (Swap, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != SwapTopic {
		return Swap{}, fmt.Errorf("evm: log %s[%d] is not a Swap", lg.TxHash, lg.Index)
	}
	var data struct {
		Amount0In  *big.Int
		Amount1In  *big.Int
		Amount0Out *big.Int
		Amount1Out *big.Int
	}
	if err := pairABI.UnpackIntoInterface(&data, "Swap", lg.Data); err != nil {
		return Swap{}, fmt.Errorf("evm: unpack Swap %s[%d]: %w", lg.TxHash, lg.Index, err)
	}
	return Swap{
		Sender:     common.BytesToAddress(lg.Topics[1].Bytes()),
		To:         common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount0In:  data.Amount0In,
		Amount1In:  data.Amount1In,
		Amount0Out: data.Amount0Out,
		Amount1Out: data.Amount1Out,
	}, nil
}

// Sync is a decoded V2 pair Sync log: the pool's reserves after the
// transaction that emitted it.
type Sync struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

func ParseSync(lg types.Log) (Sync, error) {
	if len(lg.Topics) != 1 || lg.Topics[0] != SyncTopic {
		return Sync{}, fmt.Errorf("evm: log %s[%d] is not a Sync", lg.TxHash, lg.Index)
	}
	var data struct {
		Reserve0 *big.Int
		Reserve1 *big.Int
	}
	if err := pairABI.UnpackIntoInterface(&data, "Sync", lg.Data); err != nil {
		return Sync{}, fmt.Errorf("evm: unpack Sync %s[%d]: %w", lg.TxHash, lg.Index, err)
	}
	return Sync{Reserve0: data.Reserve0, Reserve1: data.Reserve1}, nil
}

// PackSellPriceCall encodes getSellPrice(amount) calldata.
func PackSellPriceCall(amountWei *big.Int) ([]byte, error) {
	data, err := tokenABI.Pack("getSellPrice", amountWei)
	if err != nil {
		return nil, fmt.Errorf("evm: pack getSellPrice: %w", err)
	}
	return data, nil
}

// UnpackSellPriceResult decodes the wei quote returned by getSellPrice.
func UnpackSellPriceResult(out []byte) (*big.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("evm: getSellPrice returned no data")
	}
	vals, err := tokenABI.Unpack("getSellPrice", out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack getSellPrice: %w", err)
	}
	price, ok := vals[0].(*big.Int)
	if !ok || price == nil {
		return nil, fmt.Errorf("evm: getSellPrice returned non-integer")
	}
	return price, nil
}

// Sender recovers a transaction's from-address locally from its signature,
// avoiding an extra RPC round trip.
func Sender(chainID int64, tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("evm: recover sender of %s: %w", tx.Hash(), err)
	}
	return from, nil
}
