package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// ListByChain returns every registered token on a chain ordered by id, so
// scan passes are deterministic run to run.
func (r *TokenRepo) ListByChain(ctx context.Context, chainID int64) ([]model.Token, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain_id, contract_address, creator_address, graduated,
		       last_synced_block, created_at, updated_at
		FROM tokens
		WHERE chain_id = $1
		ORDER BY id
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(
			&t.ID, &t.ChainID, &t.ContractAddress, &t.CreatorAddress,
			&t.Graduated, &t.LastSyncedBlock, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// FindByID returns the token with the given ID, or nil when absent.
func (r *TokenRepo) FindByID(ctx context.Context, tokenID int64) (*model.Token, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var t model.Token
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain_id, contract_address, creator_address, graduated,
		       last_synced_block, created_at, updated_at
		FROM tokens
		WHERE id = $1
	`, tokenID).Scan(
		&t.ID, &t.ChainID, &t.ContractAddress, &t.CreatorAddress,
		&t.Graduated, &t.LastSyncedBlock, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token: %w", err)
	}
	return &t, nil
}

// AdvanceWatermarkTx moves the resume point forward; GREATEST keeps it
// monotone when a catch-up pass re-scans an old window.
func (r *TokenRepo) AdvanceWatermarkTx(ctx context.Context, tx *sql.Tx, tokenID int64, block int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET last_synced_block = GREATEST(last_synced_block, $2),
		    updated_at = now()
		WHERE id = $1
	`, tokenID, block)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// MarkGraduatedTx flips the graduation flag; repeat calls are no-ops.
func (r *TokenRepo) MarkGraduatedTx(ctx context.Context, tx *sql.Tx, tokenID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET graduated = TRUE,
		    updated_at = now()
		WHERE id = $1 AND NOT graduated
	`, tokenID)
	if err != nil {
		return fmt.Errorf("mark graduated: %w", err)
	}
	return nil
}
