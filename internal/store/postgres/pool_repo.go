package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type PoolRepo struct {
	db *DB
}

func NewPoolRepo(db *DB) *PoolRepo {
	return &PoolRepo{db: db}
}

const poolColumns = `
	token_id, chain_id, pair_address, quote_is_token0,
	reserve_eth_wei::text, reserve_token_wei::text, last_sync_block,
	created_at, updated_at`

func (r *PoolRepo) FindByToken(ctx context.Context, tokenID int64) (*model.DexPool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+poolColumns+`
		FROM dex_pools
		WHERE token_id = $1
	`, tokenID)
	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pool: %w", err)
	}
	return pool, nil
}

func (r *PoolRepo) ListByChain(ctx context.Context, chainID int64) ([]model.DexPool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM dex_pools
		WHERE chain_id = $1
		ORDER BY token_id
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []model.DexPool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

// UpdateReservesTx stores the reserve snapshot from the latest Sync event.
// Monotone on block: a snapshot older than the stored one is a no-op.
func (r *PoolRepo) UpdateReservesTx(ctx context.Context, tx *sql.Tx, tokenID int64, reserveEthWei, reserveTokenWei string, syncBlock int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE dex_pools
		SET reserve_eth_wei = $2::numeric,
			reserve_token_wei = $3::numeric,
			last_sync_block = $4,
			updated_at = now()
		WHERE token_id = $1
		  AND ($4 >= COALESCE(last_sync_block, 0))
	`, tokenID, reserveEthWei, reserveTokenWei, syncBlock)
	if err != nil {
		return fmt.Errorf("update pool reserves: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*model.DexPool, error) {
	var (
		p                      model.DexPool
		reserveEth, reserveTok sql.NullString
		lastSync               sql.NullInt64
	)
	if err := row.Scan(
		&p.TokenID, &p.ChainID, &p.PairAddress, &p.QuoteIsToken0,
		&reserveEth, &reserveTok, &lastSync, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if reserveEth.Valid {
		v := reserveEth.String
		p.ReserveEthWei = &v
	}
	if reserveTok.Valid {
		v := reserveTok.String
		p.ReserveTokenWei = &v
	}
	if lastSync.Valid {
		v := lastSync.Int64
		p.LastSyncBlock = &v
	}
	return &p, nil
}
