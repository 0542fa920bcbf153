package model

import "time"

// ChainLog is a chain event log normalized away from the RPC client's wire
// types: lowercase 0x-prefixed addresses and hashes, resolved block time.
type ChainLog struct {
	ChainID     int64
	BlockNumber int64
	BlockTime   time.Time
	TxHash      string
	LogIndex    int64
	Address     string
	Topics      []string
	Data        []byte
}
