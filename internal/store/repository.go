package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/AnthonyMills58/turbo-launchpad-sub002/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TxRunner runs fn inside one transaction: commit on nil, rollback on error.
// Pipeline stages depend on this instead of the concrete pool type.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// TokenRepository provides access to tracked launchpad tokens.
type TokenRepository interface {
	// ListByChain returns every registered token on a chain, whatever its
	// graduation state.
	ListByChain(ctx context.Context, chainID int64) ([]model.Token, error)
	FindByID(ctx context.Context, tokenID int64) (*model.Token, error)
	// AdvanceWatermarkTx moves the token's resume point forward. Monotone:
	// a smaller block than the stored one is a no-op.
	AdvanceWatermarkTx(ctx context.Context, tx *sql.Tx, tokenID int64, block int64) error
	// MarkGraduatedTx flips the graduation flag once; repeat calls are
	// harmless.
	MarkGraduatedTx(ctx context.Context, tx *sql.Tx, tokenID int64) error
}

// TransferRepository owns the ledger table. Rows are inserted once and only
// ever replaced wholesale (consolidation, trade migration), never updated in
// place.
type TransferRepository interface {
	// IngestTx writes one scanned ledger row; returns false when the
	// idempotency key (chain, tx hash, log index) already exists, when the
	// transaction was consolidated into canonical graduation form, or when
	// the key was migrated to the trades table. Consolidated and migrated
	// rows are frozen against window replay.
	IngestTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) (bool, error)
	// InsertTx writes one ledger row guarded only by the idempotency key.
	// For synthesized rows (canonical graduation records), not scans.
	InsertTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) (bool, error)
	// ListByTxHash returns a token's rows for one transaction in
	// (block, log index) order.
	ListByTxHash(ctx context.Context, tokenID int64, txHash string) ([]model.LedgerEntry, error)
	ListByTxHashTx(ctx context.Context, tx *sql.Tx, tokenID int64, txHash string) ([]model.LedgerEntry, error)
	// ListDexTagged returns BUY/SELL rows recorded against the exchange,
	// candidates for migration into the trades table.
	ListDexTagged(ctx context.Context, tokenID int64) ([]model.LedgerEntry, error)
	// ListPoolCounterparty returns OTHER rows whose from/to is the token's
	// pool, candidates for swap recovery.
	ListPoolCounterparty(ctx context.Context, tokenID int64, pairAddress string) ([]model.LedgerEntry, error)
	// ListLegacyGraduations returns GRADUATION rows from the old
	// single-record scheme (no metadata blob).
	ListLegacyGraduations(ctx context.Context, tokenID int64) ([]model.LedgerEntry, error)
	// ListConsolidationCandidates returns tx hashes with more than one
	// ledger row for the token, oldest first.
	ListConsolidationCandidates(ctx context.Context, tokenID int64) ([]string, error)
	DeleteByTxHashTx(ctx context.Context, tx *sql.Tx, tokenID int64, txHash string) (int64, error)
	DeleteByIDTx(ctx context.Context, tx *sql.Tx, id int64) error
	// EnrichGraduationMetaTx records the pool address and a reserve
	// snapshot on canonical GRADUATION metadata whose pool is still null;
	// returns the number of rows enriched.
	EnrichGraduationMetaTx(ctx context.Context, tx *sql.Tx, tokenID int64, pairAddress, reserveEthWei, reserveTokenWei string) (int64, error)
	// SumNetDeltas replays mint/burn/transfer arithmetic over the whole
	// ledger for a token and returns holder -> net amount, for audits.
	SumNetDeltas(ctx context.Context, tokenID int64) (map[string]string, error)
}

// TradeRepository owns the post-graduation trades table.
type TradeRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, t *model.TradeEntry) (bool, error)
	ListByTxHash(ctx context.Context, tokenID int64, txHash string) ([]model.TradeEntry, error)
	SumNetDeltas(ctx context.Context, tokenID int64) (map[string]string, error)
}

// BalanceRepository maintains current holdings per (token, holder).
type BalanceRepository interface {
	// ApplyDeltaTx adds a signed integer delta (decimal string) to the
	// holder's balance, creating the row when absent.
	ApplyDeltaTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, holder string, delta string) error
	// SetBalanceTx overwrites the holder's balance with an absolute value
	// (decimal string), creating the row when absent. Used when a balance
	// is rebuilt from ledger history rather than adjusted incrementally.
	SetBalanceTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, holder string, balanceWei string) error
	// PruneNonPositiveTx deletes rows at or below zero for the given
	// holders; returns the number removed.
	PruneNonPositiveTx(ctx context.Context, tx *sql.Tx, tokenID int64, holders []string) (int64, error)
	ListByToken(ctx context.Context, tokenID int64) ([]model.Balance, error)
	// SumByToken returns the exact integer sum of all balance rows.
	SumByToken(ctx context.Context, tokenID int64) (string, error)
}

// CandleRepository owns the chart aggregate table.
type CandleRepository interface {
	// RecomputeBucketTx deletes one bucket row and rebuilds it from every
	// trading-eligible ledger and trade row in the bucket's range. The
	// bucket row disappears when no eligible rows remain. ethUSD, when
	// non-nil, prices the USD legs.
	RecomputeBucketTx(ctx context.Context, tx *sql.Tx, tokenID, chainID int64, interval model.Interval, bucketStart time.Time, ethUSD *float64) error
	GetBucket(ctx context.Context, tokenID, chainID int64, interval model.Interval, bucketStart time.Time) (*model.Candle, error)
}

// PoolRepository reads pool metadata written at pool discovery, and updates
// only the reserve snapshot.
type PoolRepository interface {
	FindByToken(ctx context.Context, tokenID int64) (*model.DexPool, error)
	ListByChain(ctx context.Context, chainID int64) ([]model.DexPool, error)
	UpdateReservesTx(ctx context.Context, tx *sql.Tx, tokenID int64, reserveEthWei, reserveTokenWei string, syncBlock int64) error
}

// EthPriceRepository reads the ETH/USD quote feed (written outside this
// worker).
type EthPriceRepository interface {
	// PriceAt returns the most recent quote at or before ts, or nil when
	// the feed has nothing that old.
	PriceAt(ctx context.Context, chainID int64, ts time.Time) (*float64, error)
}
