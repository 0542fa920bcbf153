package model

import "time"

// DexPool maps a graduated token to its AMM pair. QuoteIsToken0 records
// which pool side is the WETH/quote leg, which decides how Swap and Sync
// payloads are interpreted. Rows are created outside the worker at
// graduation finalize; the worker refreshes only the reserve snapshot.
type DexPool struct {
	TokenID         int64     `db:"token_id"`
	ChainID         int64     `db:"chain_id"`
	PairAddress     string    `db:"pair_address"`
	QuoteIsToken0   bool      `db:"quote_is_token0"`
	ReserveEthWei   *string   `db:"reserve_eth_wei"`
	ReserveTokenWei *string   `db:"reserve_token_wei"`
	LastSyncBlock   *int64    `db:"last_sync_block"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
