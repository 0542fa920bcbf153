package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

type BalanceRepo struct {
	db *DB
}

func NewBalanceRepo(db *DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// ApplyDeltaTx adjusts one holder's balance by a signed wei delta.
// Positive delta = received, negative delta = sent or burned.
func (r *BalanceRepo) ApplyDeltaTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, holder string, delta string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (token_id, chain_id, holder_address, balance_wei)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token_id, holder_address) DO UPDATE SET
			balance_wei = token_balances.balance_wei + $4::numeric,
			updated_at = now()
	`, tokenID, chainID, holder, delta)
	if err != nil {
		return fmt.Errorf("apply balance delta: %w", err)
	}
	return nil
}

// SetBalanceTx overwrites one holder's balance with an absolute wei value.
// Unlike ApplyDeltaTx this is not cumulative: the stored value becomes
// exactly balanceWei, whatever the row held before.
func (r *BalanceRepo) SetBalanceTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, holder string, balanceWei string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (token_id, chain_id, holder_address, balance_wei)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (token_id, holder_address) DO UPDATE SET
			balance_wei = EXCLUDED.balance_wei,
			updated_at = now()
	`, tokenID, chainID, holder, balanceWei)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// PruneNonPositiveTx removes the given holders' rows when their balance has
// dropped to zero or below, so the table only carries live positions.
func (r *BalanceRepo) PruneNonPositiveTx(ctx context.Context, tx *sql.Tx, tokenID int64, holders []string) (int64, error) {
	if len(holders) == 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM token_balances
		WHERE token_id = $1 AND holder_address = ANY($2) AND balance_wei <= 0
	`, tokenID, pq.Array(holders))
	if err != nil {
		return 0, fmt.Errorf("prune balances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune balances affected: %w", err)
	}
	return n, nil
}

func (r *BalanceRepo) ListByToken(ctx context.Context, tokenID int64) ([]model.Balance, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT token_id, holder_address, balance_wei::text, updated_at
		FROM token_balances
		WHERE token_id = $1
		ORDER BY balance_wei DESC, holder_address
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		if err := rows.Scan(&b.TokenID, &b.HolderAddress, &b.BalanceWei, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// SumByToken returns the exact integer sum of every balance row for the
// token, as a decimal string.
func (r *BalanceRepo) SumByToken(ctx context.Context, tokenID int64) (string, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	var sum string
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance_wei), 0)::text
		FROM token_balances
		WHERE token_id = $1
	`, tokenID).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("sum balances: %w", err)
	}
	return sum, nil
}
