package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Side tags what a ledger row represents. The classifier emits BUY, SELL,
// GRADUATION, AIRDROP and OTHER; the remaining values exist in historical
// data written by the launchpad webapp and must round-trip unchanged.
type Side string

const (
	SideBuy            Side = "BUY"
	SideSell           Side = "SELL"
	SideGraduation     Side = "GRADUATION"
	SideAirdrop        Side = "AIRDROP"
	SideLPCreation     Side = "LP_CREATION"
	SideLPDistribution Side = "LP_DISTRIBUTION"
	SideOther          Side = "OTHER"
	SideMint           Side = "MINT"
	SideUnlock         Side = "UNLOCK"
	SideClaimAirdrop   Side = "CLAIMAIRDROP"
	SideBuyAndLock     Side = "BUY&LOCK"
)

// Source distinguishes bonding-curve activity from exchange activity.
type Source string

const (
	SourceBondingCurve Source = "BC"
	SourceDEX          Source = "DEX"
)

// LedgerEntry is one row of token_transfers: a classified on-chain Transfer
// log, or a synthesized graduation/LP record. (ChainID, TxHash, LogIndex) is
// the idempotency key; amounts are decimal strings of integer base units.
type LedgerEntry struct {
	ID               int64           `db:"id"`
	TokenID          int64           `db:"token_id"`
	ChainID          int64           `db:"chain_id"`
	BlockNumber      int64           `db:"block_number"`
	BlockTime        time.Time       `db:"block_time"`
	TxHash           string          `db:"tx_hash"`
	LogIndex         int64           `db:"log_index"`
	FromAddress      string          `db:"from_address"`
	ToAddress        string          `db:"to_address"`
	AmountWei        string          `db:"amount_wei"`
	AmountEthWei     *string         `db:"amount_eth_wei"`
	PriceEthPerToken *float64        `db:"price_eth_per_token"`
	Side             Side            `db:"side"`
	Source           Source          `db:"src"`
	GraduationMeta   json.RawMessage `db:"graduation_meta"`
	CreatedAt        time.Time       `db:"created_at"`
}

// SortLedgerEntries orders rows ascending by (block number, log index), the
// causal replay order required for open/close derivation.
func SortLedgerEntries(entries []LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber < entries[j].BlockNumber
		}
		return entries[i].LogIndex < entries[j].LogIndex
	})
}
