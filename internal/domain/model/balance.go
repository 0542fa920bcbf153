package model

import "time"

// Balance is the current holding of one address in one token, in integer
// base units. Rows never persist at balance <= 0.
type Balance struct {
	TokenID       int64     `db:"token_id"`
	HolderAddress string    `db:"holder_address"`
	BalanceWei    string    `db:"balance_wei"`
	UpdatedAt     time.Time `db:"updated_at"`
}
