package model

import "time"

// TradeEntry is one row of token_trades: a confirmed DEX trade migrated out
// of the ledger once the token is graduated and its pool is known. It shares
// the (ChainID, TxHash, LogIndex) key with LedgerEntry; a key lives in
// exactly one of the two tables.
type TradeEntry struct {
	ID               int64     `db:"id"`
	TokenID          int64     `db:"token_id"`
	ChainID          int64     `db:"chain_id"`
	BlockNumber      int64     `db:"block_number"`
	BlockTime        time.Time `db:"block_time"`
	TxHash           string    `db:"tx_hash"`
	LogIndex         int64     `db:"log_index"`
	FromAddress      string    `db:"from_address"`
	ToAddress        string    `db:"to_address"`
	TraderAddress    string    `db:"trader_address"`
	AmountWei        string    `db:"amount_wei"`
	AmountEthWei     *string   `db:"amount_eth_wei"`
	PriceEthPerToken *float64  `db:"price_eth_per_token"`
	Side             Side      `db:"side"`
	Source           Source    `db:"src"`
	CreatedAt        time.Time `db:"created_at"`
}
