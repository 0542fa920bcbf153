package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type TradeRepo struct {
	db *DB
}

func NewTradeRepo(db *DB) *TradeRepo {
	return &TradeRepo{db: db}
}

const tradeColumns = `
	id, token_id, chain_id, block_number, block_time, tx_hash, log_index,
	from_address, to_address, trader_address, amount_wei::text,
	amount_eth_wei::text, price_eth_per_token, side, src, created_at`

// InsertTx writes one trade row. Shares the idempotency key with the ledger
// table; the bool reports whether this call actually inserted.
func (r *TradeRepo) InsertTx(ctx context.Context, tx *sql.Tx, t *model.TradeEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_trades (
			token_id, chain_id, block_number, block_time, tx_hash, log_index,
			from_address, to_address, trader_address, amount_wei,
			amount_eth_wei, price_eth_per_token, side, src
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11::numeric, $12, $13, $14)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, t.TokenID, t.ChainID, t.BlockNumber, t.BlockTime, t.TxHash, t.LogIndex,
		t.FromAddress, t.ToAddress, t.TraderAddress, t.AmountWei,
		t.AmountEthWei, t.PriceEthPerToken, t.Side, t.Source,
	)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert trade affected: %w", err)
	}
	return n > 0, nil
}

func (r *TradeRepo) ListByTxHash(ctx context.Context, tokenID int64, txHash string) ([]model.TradeEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM token_trades
		WHERE token_id = $1 AND tx_hash = $2
		ORDER BY block_number, log_index
	`, tokenID, txHash)
	if err != nil {
		return nil, fmt.Errorf("list trades by tx: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeEntry
	for rows.Next() {
		var (
			t      model.TradeEntry
			ethWei sql.NullString
			price  sql.NullFloat64
		)
		if err := rows.Scan(
			&t.ID, &t.TokenID, &t.ChainID, &t.BlockNumber, &t.BlockTime,
			&t.TxHash, &t.LogIndex, &t.FromAddress, &t.ToAddress,
			&t.TraderAddress, &t.AmountWei, &ethWei, &price, &t.Side,
			&t.Source, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if ethWei.Valid {
			v := ethWei.String
			t.AmountEthWei = &v
		}
		if price.Valid {
			v := price.Float64
			t.PriceEthPerToken = &v
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SumNetDeltas mirrors the ledger replay for rows that moved to the trade
// table, so conservation checks can combine both sides.
func (r *TradeRepo) SumNetDeltas(ctx context.Context, tokenID int64) (map[string]string, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT holder, SUM(delta)::text
		FROM (
			SELECT to_address AS holder, amount_wei AS delta
			FROM token_trades
			WHERE token_id = $1 AND to_address <> $2
			UNION ALL
			SELECT from_address, -amount_wei
			FROM token_trades
			WHERE token_id = $1 AND from_address <> $2
		) deltas
		GROUP BY holder
		HAVING SUM(delta) <> 0
	`, tokenID, model.ZeroAddress)
	if err != nil {
		return nil, fmt.Errorf("sum trade deltas: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var holder, delta string
		if err := rows.Scan(&holder, &delta); err != nil {
			return nil, fmt.Errorf("scan trade delta: %w", err)
		}
		result[holder] = delta
	}
	return result, rows.Err()
}
