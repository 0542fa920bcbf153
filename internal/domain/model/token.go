package model

import "time"

// Token is a launchpad asset tracked by the sync worker. The core mutates
// only Graduated and LastSyncedBlock; everything else is owned by the
// registration path outside this worker.
type Token struct {
	ID              int64     `db:"id"`
	ChainID         int64     `db:"chain_id"`
	ContractAddress string    `db:"contract_address"`
	CreatorAddress  string    `db:"creator_address"`
	Graduated       bool      `db:"graduated"`
	LastSyncedBlock int64     `db:"last_synced_block"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
