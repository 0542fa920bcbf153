package evm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

// FromChainLog rebuilds the provider log shape from a normalized ChainLog so
// the ABI decoders above can run on rows that traveled through the fetcher.
func FromChainLog(cl model.ChainLog) types.Log {
	topics := make([]common.Hash, len(cl.Topics))
	for i, t := range cl.Topics {
		topics[i] = common.HexToHash(t)
	}
	return types.Log{
		Address:     common.HexToAddress(cl.Address),
		Topics:      topics,
		Data:        cl.Data,
		BlockNumber: uint64(cl.BlockNumber),
		TxHash:      common.HexToHash(cl.TxHash),
		Index:       uint(cl.LogIndex),
	}
}
