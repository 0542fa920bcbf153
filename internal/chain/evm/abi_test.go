package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	testHash = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000deadbeef")
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func packWords(values ...*big.Int) []byte {
	out := make([]byte, 0, len(values)*32)
	for _, v := range values {
		out = append(out, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return out
}

func TestTopicConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
		TransferTopic)
	assert.Equal(t,
		common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"),
		SwapTopic)
	assert.Equal(t,
		common.HexToHash("0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"),
		SyncTopic)
}

func TestParseTransfer(t *testing.T) {
	t.Parallel()

	amount := new(big.Int)
	amount.SetString("1000000000000000000000", 10)

	lg := types.Log{
		Address: addrB,
		Topics:  []common.Hash{TransferTopic, addressTopic(addrA), addressTopic(addrB)},
		Data:    packWords(amount),
		TxHash:  testHash,
	}

	tr, err := ParseTransfer(lg)
	require.NoError(t, err)
	assert.Equal(t, addrA, tr.From)
	assert.Equal(t, addrB, tr.To)
	assert.Zero(t, amount.Cmp(tr.Value))
}

func TestParseTransferRejectsMalformed(t *testing.T) {
	t.Parallel()

	// Non-indexed parties (only the event topic present).
	_, err := ParseTransfer(types.Log{
		Topics: []common.Hash{TransferTopic},
		Data:   packWords(big.NewInt(1), big.NewInt(2), big.NewInt(3)),
	})
	assert.Error(t, err)

	// Different event entirely.
	_, err = ParseTransfer(types.Log{
		Topics: []common.Hash{SwapTopic, addressTopic(addrA), addressTopic(addrB)},
		Data:   packWords(big.NewInt(1)),
	})
	assert.Error(t, err)
}

func TestParseSwap(t *testing.T) {
	t.Parallel()

	ethIn := big.NewInt(5_000_000)
	tokenOut := big.NewInt(12_345)

	lg := types.Log{
		Address: addrB,
		Topics:  []common.Hash{SwapTopic, addressTopic(addrA), addressTopic(addrB)},
		Data:    packWords(big.NewInt(0), ethIn, tokenOut, big.NewInt(0)),
		TxHash:  testHash,
	}

	sw, err := ParseSwap(lg)
	require.NoError(t, err)
	assert.Equal(t, addrA, sw.Sender)
	assert.Equal(t, addrB, sw.To)
	assert.Zero(t, sw.Amount0In.Sign())
	assert.Zero(t, ethIn.Cmp(sw.Amount1In))
	assert.Zero(t, tokenOut.Cmp(sw.Amount0Out))
	assert.Zero(t, sw.Amount1Out.Sign())
}

func TestParseSync(t *testing.T) {
	t.Parallel()

	r0 := big.NewInt(777)
	r1 := big.NewInt(888)

	lg := types.Log{
		Address: addrB,
		Topics:  []common.Hash{SyncTopic},
		Data:    packWords(r0, r1),
	}

	sy, err := ParseSync(lg)
	require.NoError(t, err)
	assert.Zero(t, r0.Cmp(sy.Reserve0))
	assert.Zero(t, r1.Cmp(sy.Reserve1))

	_, err = ParseSync(types.Log{Topics: []common.Hash{SwapTopic}, Data: packWords(r0, r1)})
	assert.Error(t, err)
}

func TestSellPriceCallRoundTrip(t *testing.T) {
	t.Parallel()

	amount := big.NewInt(123456789)
	data, err := PackSellPriceCall(amount)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("getSellPrice(uint256)"))[:4]
	require.Len(t, data, 36)
	assert.Equal(t, selector, data[:4])
	assert.Equal(t, common.LeftPadBytes(amount.Bytes(), 32), data[4:])

	quote := new(big.Int)
	quote.SetString("250000000000000000", 10)
	out, err := UnpackSellPriceResult(common.LeftPadBytes(quote.Bytes(), 32))
	require.NoError(t, err)
	assert.Zero(t, quote.Cmp(out))

	_, err = UnpackSellPriceResult(nil)
	assert.Error(t, err)
}

func TestSenderRecovery(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	const chainID = int64(8453)
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	tx, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &addrB,
		Value:     big.NewInt(42),
	})
	require.NoError(t, err)

	got, err := Sender(chainID, tx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
