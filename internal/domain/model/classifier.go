package model

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the EVM zero address in canonical form.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases a hex address and guarantees the 0x prefix,
// so that equality checks across log fields, transaction fields and DB rows
// never depend on provider casing.
func NormalizeAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return ""
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "0x") {
		lower = "0x" + lower
	}
	return lower
}

// TransferContext is everything the side decision needs: the Transfer log's
// parties, the token's own identity, and the owning transaction's ETH value
// (nil when the transaction is not available).
type TransferContext struct {
	From       string
	To         string
	Contract   string
	Creator    string
	TxValueWei *big.Int
}

// ClassifySide applies the launchpad's first-match-wins rules:
//
//  1. mint to the contract itself        -> GRADUATION (curve cap reached)
//  2. into the contract with ETH value   -> BUY
//  3. out of the contract                -> SELL
//  4. from the creator wallet            -> AIRDROP
//  5. anything else                      -> OTHER
func ClassifySide(c TransferContext) Side {
	switch {
	case c.From == ZeroAddress && c.To == c.Contract:
		return SideGraduation
	case c.To == c.Contract && c.TxValueWei != nil && c.TxValueWei.Sign() > 0:
		return SideBuy
	case c.From == c.Contract && c.To != ZeroAddress:
		return SideSell
	case c.Creator != "" && c.From == c.Creator:
		return SideAirdrop
	default:
		return SideOther
	}
}

// PriceEthPerToken derives the executed price from two integer base-unit
// amounts. Both legs are 18-decimal denominated, so the ratio of raw units
// is already ETH-per-token. Returns false when the token amount is zero.
func PriceEthPerToken(ethWei, amountWei *big.Int) (float64, bool) {
	if ethWei == nil || amountWei == nil || amountWei.Sign() == 0 {
		return 0, false
	}
	eth := decimal.NewFromBigInt(ethWei, 0)
	amount := decimal.NewFromBigInt(amountWei, 0)
	price, _ := eth.Div(amount).Float64()
	return price, true
}

// ParseAmount parses a decimal-string base-unit amount. Returns false on
// malformed input.
func ParseAmount(s string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return v, true
}
