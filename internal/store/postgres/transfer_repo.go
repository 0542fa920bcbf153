package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

const ledgerColumns = `
	id, token_id, chain_id, block_number, block_time, tx_hash, log_index,
	from_address, to_address, amount_wei::text, amount_eth_wei::text,
	price_eth_per_token, side, src, graduation_meta, created_at`

// IngestTx writes one scanned ledger row. The (chain, tx hash, log index)
// key makes re-scans no-ops, and two extra guards keep replayed windows
// from undoing later rewrites: rows are refused when their transaction was
// already consolidated into canonical graduation form, and when the same
// key already lives in token_trades after a migration. The bool reports
// whether this call actually inserted.
func (r *TransferRepo) IngestTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_transfers (
			token_id, chain_id, block_number, block_time, tx_hash, log_index,
			from_address, to_address, amount_wei, amount_eth_wei,
			price_eth_per_token, side, src, graduation_meta
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14
		WHERE NOT EXISTS (
			SELECT 1 FROM token_transfers
			WHERE chain_id = $2 AND tx_hash = $5
			  AND side = 'GRADUATION' AND graduation_meta IS NOT NULL
		) AND NOT EXISTS (
			SELECT 1 FROM token_trades
			WHERE chain_id = $2 AND tx_hash = $5 AND log_index = $6
		)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, e.TokenID, e.ChainID, e.BlockNumber, e.BlockTime, e.TxHash, e.LogIndex,
		e.FromAddress, e.ToAddress, e.AmountWei, e.AmountEthWei,
		e.PriceEthPerToken, e.Side, e.Source, []byte(e.GraduationMeta),
	)
	if err != nil {
		return false, fmt.Errorf("ingest ledger row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ingest ledger row affected: %w", err)
	}
	return n > 0, nil
}

// InsertTx writes one ledger row guarded only by the idempotency key.
// Consolidation uses it to lay down canonical rows after clearing a group;
// scanned rows go through IngestTx instead.
func (r *TransferRepo) InsertTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_transfers (
			token_id, chain_id, block_number, block_time, tx_hash, log_index,
			from_address, to_address, amount_wei, amount_eth_wei,
			price_eth_per_token, side, src, graduation_meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, e.TokenID, e.ChainID, e.BlockNumber, e.BlockTime, e.TxHash, e.LogIndex,
		e.FromAddress, e.ToAddress, e.AmountWei, e.AmountEthWei,
		e.PriceEthPerToken, e.Side, e.Source, []byte(e.GraduationMeta),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert ledger row affected: %w", err)
	}
	return n > 0, nil
}

func (r *TransferRepo) ListByTxHash(ctx context.Context, tokenID int64, txHash string) ([]model.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM token_transfers
		WHERE token_id = $1 AND tx_hash = $2
		ORDER BY block_number, log_index
	`, tokenID, txHash)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows by tx: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

func (r *TransferRepo) ListByTxHashTx(ctx context.Context, tx *sql.Tx, tokenID int64, txHash string) ([]model.LedgerEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM token_transfers
		WHERE token_id = $1 AND tx_hash = $2
		ORDER BY block_number, log_index
	`, tokenID, txHash)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows by tx: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

// ListDexTagged returns BUY/SELL rows recorded against the exchange, i.e.
// rows the trade migration should move out of the ledger.
func (r *TransferRepo) ListDexTagged(ctx context.Context, tokenID int64) ([]model.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM token_transfers
		WHERE token_id = $1 AND src = 'DEX' AND side IN ('BUY', 'SELL')
		ORDER BY block_number, log_index
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list dex-tagged rows: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

// ListPoolCounterparty returns unclassified rows that touch the token's
// pool, i.e. swap legs the classifier could not name without the receipt.
func (r *TransferRepo) ListPoolCounterparty(ctx context.Context, tokenID int64, pairAddress string) ([]model.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM token_transfers
		WHERE token_id = $1 AND side = 'OTHER'
		  AND (from_address = $2 OR to_address = $2)
		ORDER BY block_number, log_index
	`, tokenID, pairAddress)
	if err != nil {
		return nil, fmt.Errorf("list pool counterparty rows: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

// ListLegacyGraduations returns GRADUATION rows written under the old
// single-record scheme, recognizable by the missing metadata blob.
func (r *TransferRepo) ListLegacyGraduations(ctx context.Context, tokenID int64) ([]model.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM token_transfers
		WHERE token_id = $1 AND side = 'GRADUATION' AND graduation_meta IS NULL
		ORDER BY block_number, log_index
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list legacy graduations: %w", err)
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

// ListConsolidationCandidates returns tx hashes holding more than one
// ledger row for the token, oldest first. Multi-row transactions are how
// graduations look before consolidation; callers re-read each group under
// a transaction and decide there.
func (r *TransferRepo) ListConsolidationCandidates(ctx context.Context, tokenID int64) ([]string, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT tx_hash
		FROM token_transfers
		WHERE token_id = $1
		GROUP BY tx_hash
		HAVING COUNT(*) > 1
		ORDER BY MIN(block_number), MIN(log_index)
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list consolidation candidates: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan consolidation candidate: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r *TransferRepo) DeleteByTxHashTx(ctx context.Context, tx *sql.Tx, tokenID int64, txHash string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM token_transfers
		WHERE token_id = $1 AND tx_hash = $2
	`, tokenID, txHash)
	if err != nil {
		return 0, fmt.Errorf("delete ledger rows by tx: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete ledger rows affected: %w", err)
	}
	return n, nil
}

func (r *TransferRepo) DeleteByIDTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_transfers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete ledger row: %w", err)
	}
	return nil
}

// EnrichGraduationMetaTx fills the pool address and a reserve snapshot into
// canonical GRADUATION metadata that does not know its pool yet. The update
// is one-shot: metadata already naming a pool is left alone, so the first
// Sync after pairing wins and later reserve moves do not churn the record.
// Returns the number of rows enriched.
func (r *TransferRepo) EnrichGraduationMetaTx(ctx context.Context, tx *sql.Tx, tokenID int64, pairAddress, reserveEthWei, reserveTokenWei string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE token_transfers
		SET graduation_meta = graduation_meta || jsonb_build_object(
			'pool', $2::text,
			'reserve_eth_wei', $3::text,
			'reserve_token_wei', $4::text
		)
		WHERE token_id = $1
		  AND side = 'GRADUATION'
		  AND graduation_meta IS NOT NULL
		  AND graduation_meta->>'pool' IS NULL
	`, tokenID, pairAddress, reserveEthWei, reserveTokenWei)
	if err != nil {
		return 0, fmt.Errorf("enrich graduation metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("enrich graduation metadata affected: %w", err)
	}
	return n, nil
}

// SumNetDeltas replays mint/burn/transfer arithmetic over the whole ledger:
// recipients gain, senders lose, the zero address is the mint/burn
// counterparty and is excluded. Holders netting to zero are dropped.
func (r *TransferRepo) SumNetDeltas(ctx context.Context, tokenID int64) (map[string]string, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT holder, SUM(delta)::text
		FROM (
			SELECT to_address AS holder, amount_wei AS delta
			FROM token_transfers
			WHERE token_id = $1 AND to_address <> $2
			UNION ALL
			SELECT from_address, -amount_wei
			FROM token_transfers
			WHERE token_id = $1 AND from_address <> $2
		) deltas
		GROUP BY holder
		HAVING SUM(delta) <> 0
	`, tokenID, model.ZeroAddress)
	if err != nil {
		return nil, fmt.Errorf("sum ledger deltas: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var holder, delta string
		if err := rows.Scan(&holder, &delta); err != nil {
			return nil, fmt.Errorf("scan ledger delta: %w", err)
		}
		result[holder] = delta
	}
	return result, rows.Err()
}

func scanLedgerRows(rows *sql.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			ethWei sql.NullString
			price  sql.NullFloat64
			meta   []byte
		)
		if err := rows.Scan(
			&e.ID, &e.TokenID, &e.ChainID, &e.BlockNumber, &e.BlockTime,
			&e.TxHash, &e.LogIndex, &e.FromAddress, &e.ToAddress,
			&e.AmountWei, &ethWei, &price, &e.Side, &e.Source, &meta, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if ethWei.Valid {
			v := ethWei.String
			e.AmountEthWei = &v
		}
		if price.Valid {
			v := price.Float64
			e.PriceEthPerToken = &v
		}
		if len(meta) > 0 {
			e.GraduationMeta = json.RawMessage(meta)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
