package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type EthPriceRepo struct {
	db *DB
}

func NewEthPriceRepo(db *DB) *EthPriceRepo {
	return &EthPriceRepo{db: db}
}

// PriceAt returns the latest ETH/USD quote at or before ts, nil when the
// feed has no quote that old. Candles fall back to ETH-only legs on nil.
func (r *EthPriceRepo) PriceAt(ctx context.Context, chainID int64, ts time.Time) (*float64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var price float64
	err := r.db.QueryRowContext(ctx, `
		SELECT price_usd
		FROM eth_prices
		WHERE chain_id = $1 AND quoted_at <= $2
		ORDER BY quoted_at DESC
		LIMIT 1
	`, chainID, ts).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eth price at: %w", err)
	}
	return &price, nil
}
