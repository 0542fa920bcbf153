package model

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Canonical log-index slots for a consolidated graduation transaction.
const (
	GraduationSlotSummary        = 0 // GRADUATION, src=BC
	GraduationSlotBuy            = 1 // BUY, src=BC
	GraduationSlotLPCreation     = 2 // LP_CREATION, src=DEX
	GraduationSlotLPDistribution = 3 // LP_DISTRIBUTION, src=DEX
)

// GraduationMeta is the JSON side-channel carried by the canonical summary
// row. Pool and reserve fields start null and are filled by the pool-state
// refresher once the pair is known; LP share fields are filled by the
// liquidity accounting outside this worker.
type GraduationMeta struct {
	Trigger         string   `json:"trigger"`
	TokenAmountWei  string   `json:"token_amount_wei"`
	EthAmountWei    string   `json:"eth_amount_wei"`
	AvgPriceEth     *float64 `json:"avg_price_eth"`
	Pool            *string  `json:"pool"`
	ReserveEthWei   *string  `json:"reserve_eth_wei"`
	ReserveTokenWei *string  `json:"reserve_token_wei"`
	CreatorLPWei    *string  `json:"creator_lp_wei"`
	PlatformLPWei   *string  `json:"platform_lp_wei"`
}

// IsGraduationCandidate reports whether a (token, tx hash) row group should
// be consolidated. Three conditions gate it:
//
//   - more than one row (a graduation transaction emits several Transfers),
//   - an explicit graduation signal: a mint-to-contract row tagged
//     GRADUATION, so batched airdrops can never be mistaken for one,
//   - not already canonical (no LP rows present).
func IsGraduationCandidate(group []LedgerEntry) bool {
	if len(group) < 2 {
		return false
	}
	hasSignal := false
	for _, e := range group {
		switch e.Side {
		case SideLPCreation, SideLPDistribution:
			return false
		case SideGraduation:
			hasSignal = true
		}
	}
	return hasSignal
}

// IsLegacyGraduation reports whether a group is a single GRADUATION row from
// the old single-record scheme, identified by the absence of the canonical
// metadata blob.
func IsLegacyGraduation(group []LedgerEntry) bool {
	return len(group) == 1 &&
		group[0].Side == SideGraduation &&
		len(group[0].GraduationMeta) == 0
}

// BuildGraduationRows collapses a candidate group into the fixed 4-row
// canonical form. Amounts are aggregated across every original row; the BUY
// row carries the same totals with a derived average price, per the
// consolidation contract.
func BuildGraduationRows(group []LedgerEntry, contract string) ([]LedgerEntry, error) {
	if len(group) == 0 {
		return nil, fmt.Errorf("build graduation rows: empty group")
	}

	totalAmount := new(big.Int)
	totalEth := new(big.Int)
	for _, e := range group {
		amount, ok := ParseAmount(e.AmountWei)
		if !ok {
			return nil, fmt.Errorf("build graduation rows: malformed amount %q at log index %d", e.AmountWei, e.LogIndex)
		}
		totalAmount.Add(totalAmount, amount)
		if e.AmountEthWei != nil {
			eth, ok := ParseAmount(*e.AmountEthWei)
			if !ok {
				return nil, fmt.Errorf("build graduation rows: malformed eth amount %q at log index %d", *e.AmountEthWei, e.LogIndex)
			}
			totalEth.Add(totalEth, eth)
		}
	}

	sorted := make([]LedgerEntry, len(group))
	copy(sorted, group)
	SortLedgerEntries(sorted)
	base := sorted[0]

	trigger := graduationTrigger(sorted, contract)

	var avgPrice *float64
	if p, ok := PriceEthPerToken(totalEth, totalAmount); ok && p > 0 {
		avgPrice = &p
	}

	totalAmountStr := totalAmount.String()
	totalEthStr := totalEth.String()

	meta := GraduationMeta{
		Trigger:        trigger,
		TokenAmountWei: totalAmountStr,
		EthAmountWei:   totalEthStr,
		AvgPriceEth:    avgPrice,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("build graduation rows: marshal metadata: %w", err)
	}

	stamp := func(e LedgerEntry, slot int64, side Side, src Source, from, to string) LedgerEntry {
		e.LogIndex = slot
		e.Side = side
		e.Source = src
		e.FromAddress = from
		e.ToAddress = to
		e.GraduationMeta = nil
		return e
	}

	summary := stamp(base, GraduationSlotSummary, SideGraduation, SourceBondingCurve, ZeroAddress, contract)
	summary.AmountWei = totalAmountStr
	summary.AmountEthWei = &totalEthStr
	summary.PriceEthPerToken = avgPrice
	summary.GraduationMeta = metaJSON

	buy := stamp(base, GraduationSlotBuy, SideBuy, SourceBondingCurve, contract, trigger)
	buy.AmountWei = totalAmountStr
	buy.AmountEthWei = &totalEthStr
	buy.PriceEthPerToken = avgPrice

	lpCreation := stamp(base, GraduationSlotLPCreation, SideLPCreation, SourceDEX, contract, ZeroAddress)
	lpCreation.AmountWei = "0"
	lpCreation.AmountEthWei = nil
	lpCreation.PriceEthPerToken = nil

	lpDistribution := stamp(base, GraduationSlotLPDistribution, SideLPDistribution, SourceDEX, contract, ZeroAddress)
	lpDistribution.AmountWei = "0"
	lpDistribution.AmountEthWei = nil
	lpDistribution.PriceEthPerToken = nil

	return []LedgerEntry{summary, buy, lpCreation, lpDistribution}, nil
}

// graduationTrigger picks the wallet that crossed the curve cap: the
// recipient of the purchase leg when present, otherwise the first
// counterparty that is neither the contract nor the zero address.
func graduationTrigger(sorted []LedgerEntry, contract string) string {
	for _, e := range sorted {
		if e.FromAddress == contract && e.ToAddress != ZeroAddress && e.ToAddress != contract {
			return e.ToAddress
		}
	}
	for _, e := range sorted {
		if e.ToAddress != ZeroAddress && e.ToAddress != contract {
			return e.ToAddress
		}
	}
	for _, e := range sorted {
		if e.FromAddress != ZeroAddress && e.FromAddress != contract {
			return e.FromAddress
		}
	}
	return ZeroAddress
}
