//go:build integration

package postgres_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/store/postgres"
)

// setupTestContainer starts a PostgreSQL container via testcontainers-go,
// runs all migrations, and returns a connected *postgres.DB.
// The container and DB connection are automatically cleaned up when the test ends.
func setupTestContainer(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	// Find migration files relative to this test file.
	_, currentFile, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "migrations")

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_chainsync"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.New(postgres.Config{
		URL:             connStr,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = db.RunMigrations(migrationsDir)
	require.NoError(t, err)

	return db
}

// seedToken inserts a token row directly and returns its id.
func seedToken(t *testing.T, db *postgres.DB, chainID int64, contract, creator string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(), `
		INSERT INTO tokens (chain_id, contract_address, creator_address)
		VALUES ($1, $2, $3)
		RETURNING id
	`, chainID, contract, creator).Scan(&id)
	require.NoError(t, err)
	return id
}

// seedPool inserts a dex_pools row for the token.
func seedPool(t *testing.T, db *postgres.DB, tokenID, chainID int64, pair string, quoteIsToken0 bool) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO dex_pools (token_id, chain_id, pair_address, quote_is_token0)
		VALUES ($1, $2, $3, $4)
	`, tokenID, chainID, pair, quoteIsToken0)
	require.NoError(t, err)
}

// seedEthPrice inserts one quote into the price feed.
func seedEthPrice(t *testing.T, db *postgres.DB, chainID int64, price float64, at time.Time) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO eth_prices (chain_id, price_usd, quoted_at)
		VALUES ($1, $2, $3)
	`, chainID, price, at)
	require.NoError(t, err)
}
