package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradEntry(logIndex int64, from, to string, side Side, amount string, eth *string) LedgerEntry {
	return LedgerEntry{
		TokenID:      7,
		ChainID:      8453,
		BlockNumber:  1000,
		BlockTime:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TxHash:       "0xdeadbeef",
		LogIndex:     logIndex,
		FromAddress:  from,
		ToAddress:    to,
		AmountWei:    amount,
		AmountEthWei: eth,
		Side:         side,
		Source:       SourceBondingCurve,
	}
}

func strPtr(s string) *string { return &s }

func TestIsGraduationCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		group    []LedgerEntry
		expected bool
	}{
		{
			"mint signal plus purchase leg → candidate",
			[]LedgerEntry{
				gradEntry(3, ZeroAddress, testContract, SideGraduation, "500", nil),
				gradEntry(5, testContract, testWallet, SideSell, "200", strPtr("100")),
			},
			true,
		},
		{
			"multi-row batch without mint signal → not a candidate",
			[]LedgerEntry{
				gradEntry(3, testCreator, testWallet, SideAirdrop, "500", nil),
				gradEntry(5, testCreator, testContract, SideOther, "200", nil),
			},
			false,
		},
		{
			"already canonical (LP rows present) → not a candidate",
			[]LedgerEntry{
				gradEntry(0, ZeroAddress, testContract, SideGraduation, "500", nil),
				gradEntry(1, testContract, testWallet, SideBuy, "500", strPtr("100")),
				gradEntry(2, testContract, ZeroAddress, SideLPCreation, "0", nil),
				gradEntry(3, testContract, ZeroAddress, SideLPDistribution, "0", nil),
			},
			false,
		},
		{
			"single row → not a candidate",
			[]LedgerEntry{
				gradEntry(0, ZeroAddress, testContract, SideGraduation, "500", nil),
			},
			false,
		},
		{
			"empty group → not a candidate",
			nil,
			false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsGraduationCandidate(tc.group))
		})
	}
}

func TestIsLegacyGraduation(t *testing.T) {
	t.Parallel()

	bare := gradEntry(0, ZeroAddress, testContract, SideGraduation, "500", nil)
	assert.True(t, IsLegacyGraduation([]LedgerEntry{bare}))

	withMeta := bare
	withMeta.GraduationMeta = json.RawMessage(`{"trigger":"0xabc"}`)
	assert.False(t, IsLegacyGraduation([]LedgerEntry{withMeta}))

	buy := gradEntry(0, testWallet, testContract, SideBuy, "500", strPtr("1"))
	assert.False(t, IsLegacyGraduation([]LedgerEntry{buy}))
	assert.False(t, IsLegacyGraduation([]LedgerEntry{bare, buy}))
	assert.False(t, IsLegacyGraduation(nil))
}

func TestBuildGraduationRows(t *testing.T) {
	t.Parallel()

	group := []LedgerEntry{
		gradEntry(9, testContract, testWallet, SideSell, "300", strPtr("30")),
		gradEntry(4, ZeroAddress, testContract, SideGraduation, "1000", nil),
		gradEntry(7, testWallet, testContract, SideBuy, "250", strPtr("70")),
	}

	rows, err := BuildGraduationRows(group, testContract)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	summary, buy, lpCreate, lpDist := rows[0], rows[1], rows[2], rows[3]

	// Fixed slots and tags.
	assert.Equal(t, int64(GraduationSlotSummary), summary.LogIndex)
	assert.Equal(t, SideGraduation, summary.Side)
	assert.Equal(t, SourceBondingCurve, summary.Source)
	assert.Equal(t, int64(GraduationSlotBuy), buy.LogIndex)
	assert.Equal(t, SideBuy, buy.Side)
	assert.Equal(t, SourceBondingCurve, buy.Source)
	assert.Equal(t, int64(GraduationSlotLPCreation), lpCreate.LogIndex)
	assert.Equal(t, SideLPCreation, lpCreate.Side)
	assert.Equal(t, SourceDEX, lpCreate.Source)
	assert.Equal(t, int64(GraduationSlotLPDistribution), lpDist.LogIndex)
	assert.Equal(t, SideLPDistribution, lpDist.Side)
	assert.Equal(t, SourceDEX, lpDist.Source)

	// Identity carried from the group.
	for _, r := range rows {
		assert.Equal(t, "0xdeadbeef", r.TxHash)
		assert.Equal(t, int64(7), r.TokenID)
		assert.Equal(t, int64(8453), r.ChainID)
		assert.Equal(t, int64(1000), r.BlockNumber)
	}

	// Totals sum every original row, whatever its side.
	assert.Equal(t, "1550", summary.AmountWei)
	require.NotNil(t, summary.AmountEthWei)
	assert.Equal(t, "100", *summary.AmountEthWei)
	assert.Equal(t, "1550", buy.AmountWei)
	require.NotNil(t, buy.AmountEthWei)
	assert.Equal(t, "100", *buy.AmountEthWei)

	// Parties: summary mirrors the mint, BUY pays out to the trigger.
	assert.Equal(t, ZeroAddress, summary.FromAddress)
	assert.Equal(t, testContract, summary.ToAddress)
	assert.Equal(t, testContract, buy.FromAddress)
	assert.Equal(t, testWallet, buy.ToAddress)

	// LP rows carry no amounts.
	assert.Equal(t, "0", lpCreate.AmountWei)
	assert.Nil(t, lpCreate.AmountEthWei)
	assert.Nil(t, lpCreate.PriceEthPerToken)
	assert.Equal(t, "0", lpDist.AmountWei)

	// Average price = 100 / 1550.
	require.NotNil(t, summary.PriceEthPerToken)
	assert.InDelta(t, 100.0/1550.0, *summary.PriceEthPerToken, 1e-12)

	var meta GraduationMeta
	require.NoError(t, json.Unmarshal(summary.GraduationMeta, &meta))
	assert.Equal(t, testWallet, meta.Trigger)
	assert.Equal(t, "1550", meta.TokenAmountWei)
	assert.Equal(t, "100", meta.EthAmountWei)
	require.NotNil(t, meta.AvgPriceEth)
	assert.Nil(t, meta.Pool)
	assert.Nil(t, meta.ReserveEthWei)

	// Only the summary row carries metadata.
	assert.Nil(t, buy.GraduationMeta)
	assert.Nil(t, lpCreate.GraduationMeta)
	assert.Nil(t, lpDist.GraduationMeta)
}

func TestBuildGraduationRowsTriggerFallback(t *testing.T) {
	t.Parallel()

	// No contract-outbound leg: fall back to any non-contract recipient.
	group := []LedgerEntry{
		gradEntry(1, ZeroAddress, testContract, SideGraduation, "100", nil),
		gradEntry(2, testCreator, testWallet, SideAirdrop, "50", nil),
	}
	rows, err := BuildGraduationRows(group, testContract)
	require.NoError(t, err)

	var meta GraduationMeta
	require.NoError(t, json.Unmarshal(rows[0].GraduationMeta, &meta))
	assert.Equal(t, testWallet, meta.Trigger)
}

func TestBuildGraduationRowsMalformedAmount(t *testing.T) {
	t.Parallel()

	group := []LedgerEntry{
		gradEntry(1, ZeroAddress, testContract, SideGraduation, "not-a-number", nil),
	}
	_, err := BuildGraduationRows(group, testContract)
	assert.Error(t, err)

	_, err = BuildGraduationRows(nil, testContract)
	assert.Error(t, err)
}
