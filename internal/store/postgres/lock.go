package postgres

import (
	"context"
	"fmt"
)

// Advisory lock identity for the sync worker singleton. The pair is split
// (class, id) to keep the namespace readable in pg_locks.
const (
	runLockClass = 8576
	runLockID    = 1
)

// AcquireRunLock takes the worker's singleton advisory lock on a dedicated
// pooled connection. ok is false when another run already holds it, which
// the caller treats as a clean exit, not an error. release unlocks and
// returns the connection; it must be called exactly once when ok is true.
func (db *DB) AcquireRunLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("checkout lock connection: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", runLockClass, runLockID,
	).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		_ = conn.Close()
		return nil, false, nil
	}

	release = func() {
		// Unlock on a fresh context: the run's context may already be done.
		_, _ = conn.ExecContext(context.Background(),
			"SELECT pg_advisory_unlock($1, $2)", runLockClass, runLockID)
		_ = conn.Close()
	}
	return release, true, nil
}
