package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type CandleRepo struct {
	db *DB
}

func NewCandleRepo(db *DB) *CandleRepo {
	return &CandleRepo{db: db}
}

// RecomputeBucketTx rebuilds one (token, interval, bucket) candle from
// scratch: delete the row, then reinsert it from every priced BUY/SELL in
// the bucket's range across both the ledger and the trades table. Open and
// close come from (block_time, log_index) order, so out-of-order discovery
// of rows inside a bucket converges to the same candle. When the bucket has
// no eligible rows the delete stands and no row is written.
func (r *CandleRepo) RecomputeBucketTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, interval model.Interval, bucketStart time.Time, ethUSD *float64) error {
	if !model.ValidInterval(interval) {
		return fmt.Errorf("recompute bucket: unknown interval %q", interval)
	}
	width, _ := model.BucketWidth(interval)
	bucketEnd := bucketStart.Add(width)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM token_chart_agg
		WHERE token_id = $1 AND chain_id = $2 AND interval_type = $3 AND bucket_start = $4
	`, tokenID, chainID, interval, bucketStart); err != nil {
		return fmt.Errorf("delete candle bucket: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_chart_agg (
			token_id, chain_id, interval_type, bucket_start,
			open_eth, high_eth, low_eth, close_eth,
			open_usd, high_usd, low_usd, close_usd,
			volume_eth, volume_usd, trade_count
		)
		SELECT
			$1, $2, $3, $4,
			(ARRAY_AGG(price ORDER BY block_time, log_index))[1],
			MAX(price),
			MIN(price),
			(ARRAY_AGG(price ORDER BY block_time DESC, log_index DESC))[1],
			CASE WHEN $6::float8 IS NULL THEN NULL
				ELSE (ARRAY_AGG(price ORDER BY block_time, log_index))[1] * $6 END,
			CASE WHEN $6::float8 IS NULL THEN NULL ELSE MAX(price) * $6 END,
			CASE WHEN $6::float8 IS NULL THEN NULL ELSE MIN(price) * $6 END,
			CASE WHEN $6::float8 IS NULL THEN NULL
				ELSE (ARRAY_AGG(price ORDER BY block_time DESC, log_index DESC))[1] * $6 END,
			SUM(amount_eth_wei)::float8 / 1e18,
			CASE WHEN $6::float8 IS NULL THEN NULL
				ELSE SUM(amount_eth_wei)::float8 / 1e18 * $6 END,
			COUNT(*)
		FROM (
			SELECT block_time, log_index, price_eth_per_token AS price, amount_eth_wei
			FROM token_transfers
			WHERE token_id = $1 AND side IN ('BUY', 'SELL')
			  AND price_eth_per_token > 0 AND amount_eth_wei > 0
			  AND block_time >= $4 AND block_time < $5
			UNION ALL
			SELECT block_time, log_index, price_eth_per_token, amount_eth_wei
			FROM token_trades
			WHERE token_id = $1 AND side IN ('BUY', 'SELL')
			  AND price_eth_per_token > 0 AND amount_eth_wei > 0
			  AND block_time >= $4 AND block_time < $5
		) pts
		HAVING COUNT(*) > 0
	`, tokenID, chainID, interval, bucketStart, bucketEnd, ethUSD); err != nil {
		return fmt.Errorf("rebuild candle bucket: %w", err)
	}
	return nil
}

func (r *CandleRepo) GetBucket(ctx context.Context, tokenID, chainID int64, interval model.Interval, bucketStart time.Time) (*model.Candle, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		c                                  model.Candle
		openUSD, highUSD, lowUSD, closeUSD sql.NullFloat64
		volumeUSD                          sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT token_id, chain_id, interval_type, bucket_start,
			   open_eth, high_eth, low_eth, close_eth,
			   open_usd, high_usd, low_usd, close_usd,
			   volume_eth, volume_usd, trade_count
		FROM token_chart_agg
		WHERE token_id = $1 AND chain_id = $2 AND interval_type = $3 AND bucket_start = $4
	`, tokenID, chainID, interval, bucketStart).Scan(
		&c.TokenID, &c.ChainID, &c.Interval, &c.BucketStart,
		&c.OpenEth, &c.HighEth, &c.LowEth, &c.CloseEth,
		&openUSD, &highUSD, &lowUSD, &closeUSD,
		&c.VolumeEth, &volumeUSD, &c.TradeCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get candle bucket: %w", err)
	}
	c.OpenUSD = nullFloatPtr(openUSD)
	c.HighUSD = nullFloatPtr(highUSD)
	c.LowUSD = nullFloatPtr(lowUSD)
	c.CloseUSD = nullFloatPtr(closeUSD)
	c.VolumeUSD = nullFloatPtr(volumeUSD)
	return &c, nil
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
